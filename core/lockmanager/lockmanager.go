// Package lockmanager grants non-blocking shared or exclusive locks on
// datasets. Every storage action taken by the coordinator is guarded by one.
package lockmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrAlreadyLocked is returned when a lock cannot be granted immediately.
// It is a hold-back signal, not a fault.
var ErrAlreadyLocked = errors.New("dataset is already locked")

// LockType is the mode of a lock.
type LockType int

const (
	Shared LockType = iota
	Exclusive
)

func (t LockType) String() string {
	if t == Exclusive {
		return "EXCLUSIVE"
	}
	return "SHARED"
}

// MarshalText renders the lock type in status snapshots.
func (t LockType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Lock is a held lock. Release is idempotent.
type Lock interface {
	Release()
}

// LockInfo describes the locks currently held on one dataset.
type LockInfo struct {
	DatasetID int64    `json:"datasetId"`
	Type      LockType `json:"type"`
	Count     int      `json:"count"`
}

// Manager is the lock manager contract. Lock never blocks.
type Manager interface {
	Lock(datasetIDs []int64, typ LockType) (Lock, error)
	LockInfo() []LockInfo
}

type entry struct {
	typ   LockType
	count int
}

// TableManager is an in-process Manager keeping a table of held locks.
type TableManager struct {
	mu     sync.Mutex
	locks  map[int64]*entry
	logger *zap.Logger
}

// NewTableManager creates an empty lock table.
func NewTableManager(logger *zap.Logger) *TableManager {
	return &TableManager{
		locks:  make(map[int64]*entry),
		logger: logger.Named("lockmanager"),
	}
}

// Lock acquires typ on every dataset in datasetIDs, or on none of them.
func (m *TableManager) Lock(datasetIDs []int64, typ LockType) (Lock, error) {
	ids := dedupe(datasetIDs)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		e, held := m.locks[id]
		if !held {
			continue
		}
		if typ == Exclusive || e.typ == Exclusive {
			m.logger.Debug("Lock refused",
				zap.Int64("datasetID", id),
				zap.Stringer("requested", typ),
				zap.Stringer("held", e.typ),
				zap.Int("holders", e.count))
			return nil, fmt.Errorf("%s lock on dataset %d: %w", typ, id, ErrAlreadyLocked)
		}
	}
	for _, id := range ids {
		if e, held := m.locks[id]; held {
			e.count++
		} else {
			m.locks[id] = &entry{typ: typ, count: 1}
		}
	}
	return &tableLock{manager: m, ids: ids}, nil
}

// LockInfo returns the held locks ordered by dataset id.
func (m *TableManager) LockInfo() []LockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]LockInfo, 0, len(m.locks))
	for id, e := range m.locks {
		infos = append(infos, LockInfo{DatasetID: id, Type: e.typ, Count: e.count})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].DatasetID < infos[j].DatasetID })
	return infos
}

func (m *TableManager) release(ids []int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		e, held := m.locks[id]
		if !held {
			m.logger.Error("Release of a lock that is not held", zap.Int64("datasetID", id))
			continue
		}
		e.count--
		if e.count == 0 {
			delete(m.locks, id)
		}
	}
}

type tableLock struct {
	once    sync.Once
	manager *TableManager
	ids     []int64
}

func (l *tableLock) Release() {
	l.once.Do(func() { l.manager.release(l.ids) })
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
