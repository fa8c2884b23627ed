package readiness

import (
	"context"
	"fmt"

	"github.com/sushant-115/gojods/core/catalog"
	"github.com/sushant-115/gojods/core/fsm"
)

// Selection is the set of primary entities a request concerns: datafiles or
// datasets depending on the deployment granularity.
type Selection struct {
	tracker  *Tracker
	entities []catalog.Entity
}

// Select resolves the dataset and datafile ids of a request into primary
// entities. Datafile deployments expand datasets into their datafiles;
// dataset deployments replace datafiles by their dataset.
func (t *Tracker) Select(ctx context.Context, resolver catalog.Resolver, datasetIDs, datafileIDs []int64) (*Selection, error) {
	var entities []catalog.Entity
	byDataset := t.coord.Granularity() == fsm.GranularityDataset

	for _, id := range datasetIDs {
		ds, err := resolver.Dataset(ctx, id)
		if err != nil {
			return nil, err
		}
		if byDataset {
			entities = append(entities, ds.Entity())
			continue
		}
		for _, df := range ds.Datafiles {
			entities = append(entities, df.Entity())
		}
	}
	for _, id := range datafileIDs {
		df, err := resolver.Datafile(ctx, id)
		if err != nil {
			return nil, err
		}
		if !byDataset {
			entities = append(entities, df.Entity())
			continue
		}
		ds, err := resolver.Dataset(ctx, df.DatasetID)
		if err != nil {
			return nil, fmt.Errorf("dataset of datafile %d: %w", id, err)
		}
		entities = append(entities, ds.Entity())
	}
	return &Selection{tracker: t, entities: catalog.SortEntities(entities)}, nil
}

// Entities returns the primary entities in id order.
func (s *Selection) Entities() []catalog.Entity { return s.entities }

// ScheduleTasks queues op for every entity of the selection.
func (s *Selection) ScheduleTasks(ctx context.Context, op fsm.DeferredOp) error {
	for _, e := range s.entities {
		if err := s.tracker.coord.Queue(ctx, e, op); err != nil {
			return fmt.Errorf("queue %s for %s %d: %w", op, e.Kind, e.ID, err)
		}
	}
	return nil
}

// CheckOnline is Tracker.CheckOnline over the selection.
func (s *Selection) CheckOnline(ctx context.Context) error {
	return s.tracker.CheckOnline(ctx, s.entities)
}

// Status is Tracker.Status over the selection.
func (s *Selection) Status(ctx context.Context) (EntityStatus, error) {
	return s.tracker.Status(ctx, s.entities)
}

// Prepare registers the selection as a preparation.
func (s *Selection) Prepare() string {
	return s.tracker.Prepare(s.entities)
}

// IsPrepared polls a preparation registered from this or an earlier selection.
func (s *Selection) IsPrepared(ctx context.Context, prepID string) (bool, error) {
	return s.tracker.IsPrepared(ctx, prepID)
}
