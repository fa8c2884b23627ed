package fsm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/sushant-115/gojods/core/catalog"
)

// MarkerStore keeps one empty file per entity with a pending write, named by
// the decimal entity id. Markers survive restarts so that writes queued at
// the time of an unclean shutdown can be replayed.
type MarkerStore struct {
	dir string
}

// NewMarkerStore opens (creating if needed) the marker directory.
func NewMarkerStore(dir string) (*MarkerStore, error) {
	if dir == "" {
		return nil, errors.New("marker directory is unset")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create marker directory %s: %w", dir, err)
	}
	return &MarkerStore{dir: dir}, nil
}

func (m *MarkerStore) path(id int64) string {
	return filepath.Join(m.dir, strconv.FormatInt(id, 10))
}

// Ensure creates the marker of id and reports whether it did not exist before.
func (m *MarkerStore) Ensure(id int64) (bool, error) {
	f, err := os.OpenFile(m.path(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, f.Close()
}

// Exists reports whether id has a marker.
func (m *MarkerStore) Exists(id int64) (bool, error) {
	_, err := os.Stat(m.path(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Remove deletes the marker of id; a missing marker is not an error.
func (m *MarkerStore) Remove(id int64) error {
	if err := os.Remove(m.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the ids of all markers in ascending order, and the names of
// directory entries that are not markers.
func (m *MarkerStore) List() ([]int64, []string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read marker directory: %w", err)
	}
	var ids []int64
	var ignored []string
	for _, e := range entries {
		id, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil || e.IsDir() {
			ignored = append(ignored, e.Name())
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, ignored, nil
}

// Replay re-queues a write for every marker whose entity still exists and
// deletes the markers of entities the catalog no longer knows. It returns
// the number of writes queued.
func (f *FSM) Replay(ctx context.Context) (int, error) {
	if f.strategy == nil {
		return 0, nil
	}
	ids, ignored, err := f.markers.List()
	if err != nil {
		return 0, err
	}
	for _, name := range ignored {
		f.logger.Warn("Ignoring unexpected entry in marker directory", zap.String("name", name))
	}

	replayed := 0
	for _, id := range ids {
		e, err := f.strategy.resolve(ctx, id)
		if errors.Is(err, catalog.ErrNotFound) {
			f.logger.Info("Dropping write marker of vanished entity", zap.Int64("entityID", id))
			f.RemoveMarker(id)
			continue
		}
		if err != nil {
			return replayed, fmt.Errorf("replay marker %d: %w", id, err)
		}
		if err := f.Queue(ctx, e, OpWrite); err != nil {
			return replayed, fmt.Errorf("replay marker %d: %w", id, err)
		}
		replayed++
	}
	if replayed > 0 || len(ids) > 0 {
		f.logger.Info("Write markers replayed", zap.Int("markers", len(ids)), zap.Int("queued", replayed))
	}
	return replayed, nil
}
