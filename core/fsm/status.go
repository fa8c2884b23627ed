package fsm

import (
	"sort"
	"time"

	"github.com/sushant-115/gojods/core/lockmanager"
)

// QueueEntry is one entity of the status snapshot.
type QueueEntry struct {
	ID        int64           `json:"id"`
	DatasetID int64           `json:"datasetId"`
	State     RequestedState  `json:"state"`
	InFlight  bool            `json:"inFlight"`
	Next      *RequestedState `json:"next,omitempty"`
}

// Status is the snapshot consumed by operational tooling.
type Status struct {
	Granularity Granularity            `json:"granularity"`
	Deadline    *time.Time             `json:"deadline,omitempty"`
	Queue       []QueueEntry           `json:"queue"`
	Locks       []lockmanager.LockInfo `json:"locks"`
	Failures    []int64                `json:"failures"`
}

// Status returns the queue, the in-flight set, the held locks and the failure set.
func (f *FSM) Status() Status {
	st := Status{Granularity: f.cfg.Granularity, Queue: []QueueEntry{}}

	f.mu.Lock()
	if f.deadlineSet {
		d := f.deadline
		st.Deadline = &d
	}
	for id, q := range f.deferred {
		st.Queue = append(st.Queue, QueueEntry{ID: id, DatasetID: q.entity.DatasetID, State: q.state})
	}
	for id, fl := range f.changing {
		e := QueueEntry{ID: id, DatasetID: fl.entity.DatasetID, State: fl.state, InFlight: true}
		if fl.next.set {
			next := fl.next.state
			e.Next = &next
		}
		st.Queue = append(st.Queue, e)
	}
	f.mu.Unlock()

	sort.Slice(st.Queue, func(i, j int) bool { return st.Queue[i].ID < st.Queue[j].ID })
	if f.locker != nil {
		st.Locks = f.locker.LockInfo()
	}
	if st.Locks == nil {
		st.Locks = []lockmanager.LockInfo{}
	}
	st.Failures = f.Failures()
	return st
}
