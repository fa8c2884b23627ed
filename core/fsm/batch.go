package fsm

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/gojods/core/catalog"
	"github.com/sushant-115/gojods/core/lockmanager"
)

type lockKey struct {
	datasetID int64
	class     DeferredOp
}

// ProcessQueue runs one batch pass. Nothing happens until the coalescing
// deadline has elapsed. Queued entities are then grouped by dataset; each
// group whose lock is granted moves to the in-flight set and is handed to the
// mover of its operation class. Groups whose lock is refused stay queued and
// the deadline is re-armed so the next tick retries them.
func (f *FSM) ProcessQueue(ctx context.Context) {
	if f.strategy == nil {
		return
	}
	ctx, span := f.tracer.Start(ctx, "fsm.ProcessQueue")
	defer span.End()

	unresolved := f.resolveContainers(ctx)
	batches, dispatcher := f.collectBatches(ctx, unresolved)
	if len(batches) == 0 {
		return
	}
	if dispatcher == nil {
		f.logger.Error("No mover dispatcher installed, batch pass cannot launch movers")
	}
	for _, b := range batches {
		span.AddEvent("dispatch", trace.WithAttributes(
			attribute.String("op", b.Op.String()),
			attribute.Int("entities", len(b.Entities))))
		f.metrics.DispatchedCounter.Add(ctx, int64(len(b.Entities)), metric.WithAttributes(attribute.String("op", b.Op.String())))
		f.logger.Info("Dispatching batch",
			zap.Stringer("op", b.Op),
			zap.Int("entities", len(b.Entities)),
			zap.Int("locks", len(b.Locks)))
		if dispatcher != nil {
			dispatcher.Dispatch(ctx, b)
		}
	}
}

// due reports whether the coalescing deadline has elapsed. f.mu must be held.
func (f *FSM) due(now time.Time) bool {
	return f.deadlineSet && !now.Before(f.deadline) && len(f.deferred) > 0
}

// resolveContainers fills in the dataset of queued entities that were queued
// without one. The catalog is consulted with f.mu released; entities whose
// lookup fails are returned with the error and stay queued.
func (f *FSM) resolveContainers(ctx context.Context) map[int64]error {
	f.mu.Lock()
	var missing []catalog.Entity
	if f.due(f.clock.Now()) {
		for id, q := range f.deferred {
			if _, busy := f.changing[id]; busy {
				continue
			}
			if _, ok := f.strategy.containerOf(q.entity); !ok {
				missing = append(missing, q.entity)
			}
		}
	}
	f.mu.Unlock()
	if len(missing) == 0 {
		return nil
	}

	resolved := make(map[int64]int64, len(missing))
	failed := make(map[int64]error)
	for _, e := range missing {
		datasetID, err := f.strategy.resolveContainer(ctx, e)
		if err != nil {
			failed[e.ID] = err
			continue
		}
		resolved[e.ID] = datasetID
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for id, datasetID := range resolved {
		if q, ok := f.deferred[id]; ok && q.entity.DatasetID == 0 {
			q.entity.DatasetID = datasetID
		}
	}
	return failed
}

func (f *FSM) collectBatches(ctx context.Context, unresolved map[int64]error) ([]Batch, Dispatcher) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	if !f.due(now) {
		return nil, f.dispatcher
	}
	f.deadlineSet = false

	ids := make([]int64, 0, len(f.deferred))
	for id := range f.deferred {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	locks := make(map[lockKey]lockmanager.Lock)
	refused := make(map[lockKey]bool)
	entities := make(map[DeferredOp][]catalog.Entity)
	lockOrder := make(map[DeferredOp][]lockmanager.Lock)
	var heldBack int64

	for _, id := range ids {
		q := f.deferred[id]
		if _, busy := f.changing[id]; busy {
			continue
		}
		class := q.state.class()
		datasetID, ok := f.strategy.containerOf(q.entity)
		if !ok {
			f.logger.Error("Cannot group entity for locking, retrying later",
				zap.Int64("entityID", id), zap.Stringer("state", q.state), zap.Error(unresolved[id]))
			heldBack++
			continue
		}
		key := lockKey{datasetID: datasetID, class: class}
		if refused[key] {
			heldBack++
			continue
		}
		if _, held := locks[key]; !held {
			l, err := f.locker.Lock([]int64{datasetID}, f.strategy.lockScope(class))
			if err != nil {
				refused[key] = true
				heldBack++
				if isHoldBack(err) {
					f.logger.Debug("Dataset busy, holding back",
						zap.Int64("datasetID", datasetID), zap.Stringer("op", class))
				} else {
					f.logger.Error("Lock acquisition failed",
						zap.Int64("datasetID", datasetID), zap.Stringer("op", class), zap.Error(err))
				}
				continue
			}
			locks[key] = l
			lockOrder[class] = append(lockOrder[class], l)
		}

		f.dequeueLocked(id)
		fl := &inFlight{entity: q.entity, state: q.state}
		if q.state == WriteThenArchiveRequested {
			fl.state = WriteRequested
			fl.next = tagged(ArchiveRequested)
		}
		f.changing[id] = fl
		entities[class] = append(entities[class], q.entity)
	}

	if len(f.deferred) > 0 {
		f.deadline = now
		f.deadlineSet = true
	}
	if heldBack > 0 {
		f.metrics.HeldBackCounter.Add(ctx, heldBack)
	}

	var batches []Batch
	for _, op := range Ops {
		if len(entities[op]) == 0 {
			continue
		}
		batches = append(batches, Batch{Op: op, Entities: entities[op], Locks: lockOrder[op]})
	}
	return batches, f.dispatcher
}
