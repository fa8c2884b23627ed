// Package fsm implements the deferred-operation state machine: it records
// outstanding archive, restore, write and delete intents, resolves
// conflicting intents into one next action per entity, and periodically
// dispatches batches of actions to movers under dataset locks.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojods/core/catalog"
	"github.com/sushant-115/gojods/core/lockmanager"
	internaltelemetry "github.com/sushant-115/gojods/internal/telemetry"
)

const (
	DefaultWriteDelay   = 60 * time.Second
	DefaultTickInterval = 5 * time.Second
)

// Config parameterizes the coordinator.
type Config struct {
	Granularity Granularity
	// WriteDelay is the coalescing delay applied when the queue becomes non-empty.
	WriteDelay time.Duration
	// TickInterval is the period of the batch pass.
	TickInterval time.Duration
}

// Batch is the unit of work handed to a mover: every entity of one
// operation class that was dispatched by a single batch pass, and the locks
// the mover must release when it is done.
type Batch struct {
	Op       DeferredOp
	Entities []catalog.Entity
	Locks    []lockmanager.Lock
}

// Dispatcher launches movers. Dispatch is called without the queue mutex held.
type Dispatcher interface {
	Dispatch(ctx context.Context, b Batch)
}

type queued struct {
	entity catalog.Entity
	state  RequestedState
}

type inFlight struct {
	entity catalog.Entity
	state  RequestedState
	// next is the intent recorded while the entity was owned by a mover; it
	// enters the queue when the mover completes.
	next tag
}

// FSM is the deferred-operation coordinator. One instance serves a
// deployment; it is constructed by the composition root and handed to
// request handlers and movers.
type FSM struct {
	cfg      Config
	strategy strategy // nil for single-tier deployments
	locker   lockmanager.Manager
	markers  *MarkerStore
	clock    clockwork.Clock
	logger   *zap.Logger
	metrics  *internaltelemetry.FSMMetrics
	tracer   trace.Tracer

	mu          sync.Mutex
	deferred    map[int64]*queued
	changing    map[int64]*inFlight
	deadline    time.Time
	deadlineSet bool
	dispatcher  Dispatcher

	// markerMu serializes marker creation and removal with the intents that
	// own them, without holding mu across disk I/O.
	markerMu sync.Mutex

	failMu   sync.RWMutex
	failures map[int64]struct{}

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option customizes an FSM.
type Option func(*FSM)

// WithClock replaces the wall clock, for tests.
func WithClock(c clockwork.Clock) Option { return func(f *FSM) { f.clock = c } }

// WithMetrics records coordinator metrics on m.
func WithMetrics(m *internaltelemetry.FSMMetrics) Option { return func(f *FSM) { f.metrics = m } }

// WithTracer wraps every batch pass in a span.
func WithTracer(t trace.Tracer) Option { return func(f *FSM) { f.tracer = t } }

// New creates a coordinator. markers may be nil only for GranularityNone.
// dispatcher may be nil and supplied later with SetDispatcher.
func New(
	cfg Config,
	locker lockmanager.Manager,
	resolver catalog.Resolver,
	markers *MarkerStore,
	dispatcher Dispatcher,
	logger *zap.Logger,
	opts ...Option,
) (*FSM, error) {
	st, err := newStrategy(cfg.Granularity, resolver)
	if err != nil {
		return nil, err
	}
	if st != nil && markers == nil {
		return nil, fmt.Errorf("%w: %s granularity requires a marker store", ErrInternal, cfg.Granularity)
	}
	if cfg.WriteDelay < 0 {
		return nil, fmt.Errorf("write delay must not be negative, got %s", cfg.WriteDelay)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}

	f := &FSM{
		cfg:        cfg,
		strategy:   st,
		locker:     locker,
		markers:    markers,
		clock:      clockwork.NewRealClock(),
		logger:     logger.Named("fsm"),
		metrics:    internaltelemetry.NoopFSMMetrics(),
		tracer:     nooptrace.NewTracerProvider().Tracer(""),
		deferred:   make(map[int64]*queued),
		changing:   make(map[int64]*inFlight),
		dispatcher: dispatcher,
		failures:   make(map[int64]struct{}),
		stopChan:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// SetDispatcher installs the mover dispatcher. It must be called before Start.
func (f *FSM) SetDispatcher(d Dispatcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatcher = d
}

// Granularity returns the configured granularity.
func (f *FSM) Granularity() Granularity { return f.cfg.Granularity }

// Start launches the periodic batch pass. Single-tier deployments have none.
func (f *FSM) Start() {
	if f.strategy == nil {
		f.logger.Info("Single-tier deployment, batch pass disabled")
		return
	}
	f.logger.Info("Starting deferred-operation batch pass",
		zap.Stringer("granularity", f.cfg.Granularity),
		zap.Duration("writeDelay", f.cfg.WriteDelay),
		zap.Duration("tickInterval", f.cfg.TickInterval))
	ticker := f.clock.NewTicker(f.cfg.TickInterval)
	f.wg.Add(1)
	go f.processQueueLoop(ticker)
}

// Stop ends the batch pass and waits for an in-progress pass to finish.
// Running movers are not affected.
func (f *FSM) Stop() {
	f.stopOnce.Do(func() { close(f.stopChan) })
	f.wg.Wait()
	f.logger.Info("Deferred-operation batch pass stopped")
}

func (f *FSM) processQueueLoop(ticker clockwork.Ticker) {
	defer f.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-f.stopChan:
			return
		case <-ticker.Chan():
			f.ProcessQueue(context.Background())
		}
	}
}

// Queue registers op as an intent for e. It is idempotent where the
// transition table says so and safe for concurrent use.
func (f *FSM) Queue(ctx context.Context, e catalog.Entity, op DeferredOp) error {
	if f.strategy == nil {
		return ErrNotSupported
	}
	if e.Kind != f.strategy.kind() {
		return fmt.Errorf("%w: %s %d queued on a %s coordinator", ErrInternal, e.Kind, e.ID, f.cfg.Granularity)
	}

	if op == OpWrite || op == OpDelete {
		f.markerMu.Lock()
		defer f.markerMu.Unlock()
	}

	created := false
	if op == OpWrite {
		var err error
		if created, err = f.markers.Ensure(e.ID); err != nil {
			return fmt.Errorf("write marker for %d: %w", e.ID, err)
		}
	}

	res, err := f.applyIntent(e, op)

	if created && (err != nil || !res.writePending) {
		f.removeMarker(e.ID)
	}
	if res.cancelledWrite {
		f.removeMarker(e.ID)
	}
	if err != nil {
		f.logger.Error("Rejected intent", zap.Int64("entityID", e.ID), zap.Stringer("op", op), zap.Error(err))
		return err
	}
	f.metrics.IntentsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op.String())))
	return nil
}

type intentResult struct {
	writePending   bool
	cancelledWrite bool
}

func (f *FSM) applyIntent(e catalog.Entity, op DeferredOp) (intentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fl, ok := f.changing[e.ID]; ok {
		next, err := transition(fl.next, op)
		if err != nil {
			return intentResult{}, err
		}
		res := intentResult{
			writePending:   next.set && next.state.writePending(),
			cancelledWrite: fl.next.set && fl.next.state.writePending() && !next.set,
		}
		if next != fl.next {
			f.logger.Debug("Recorded follow-up intent for in-flight entity",
				zap.Int64("entityID", e.ID),
				zap.Stringer("inFlight", fl.state),
				zap.Stringer("from", fl.next),
				zap.Stringer("to", next))
		}
		fl.next = next
		return res, nil
	}

	var cur tag
	if q, ok := f.deferred[e.ID]; ok {
		cur = tagged(q.state)
	}
	next, err := transition(cur, op)
	if err != nil {
		return intentResult{}, err
	}
	res := intentResult{
		writePending:   next.set && next.state.writePending(),
		cancelledWrite: cur.set && cur.state.writePending() && !next.set,
	}
	if next == cur {
		return res, nil
	}
	if next.set {
		f.enqueueLocked(e, next.state, f.clock.Now().Add(f.cfg.WriteDelay))
	} else {
		f.dequeueLocked(e.ID)
	}
	f.logger.Debug("Intent registered",
		zap.Int64("entityID", e.ID),
		zap.Stringer("op", op),
		zap.Stringer("from", cur),
		zap.Stringer("to", next))
	return res, nil
}

// enqueueLocked tags e and arms the coalescing deadline at deadline if it is unset.
func (f *FSM) enqueueLocked(e catalog.Entity, s RequestedState, deadline time.Time) {
	if q, ok := f.deferred[e.ID]; ok {
		q.state = s
		return
	}
	f.deferred[e.ID] = &queued{entity: e, state: s}
	f.metrics.QueueDepth.Add(context.Background(), 1)
	if !f.deadlineSet {
		f.deadline = deadline
		f.deadlineSet = true
	}
}

func (f *FSM) dequeueLocked(id int64) {
	if _, ok := f.deferred[id]; ok {
		delete(f.deferred, id)
		f.metrics.QueueDepth.Add(context.Background(), -1)
	}
	if len(f.deferred) == 0 {
		f.deadlineSet = false
	}
}

// RemoveFromChanging is the mover completion callback. Any intent recorded
// while the entity was in flight is queued now.
func (f *FSM) RemoveFromChanging(id int64) {
	f.mu.Lock()
	fl, ok := f.changing[id]
	if !ok {
		f.mu.Unlock()
		f.logger.Warn("Completion for an entity that is not in flight", zap.Int64("entityID", id))
		return
	}
	delete(f.changing, id)
	next := fl.next
	if next.set {
		f.enqueueLocked(fl.entity, next.state, f.clock.Now())
	}
	f.mu.Unlock()

	f.logger.Debug("Entity left in-flight set",
		zap.Int64("entityID", id),
		zap.Stringer("completed", fl.state),
		zap.Stringer("next", next))

	if next.set && next.state.writePending() {
		// The completed write removed the marker; the queued write needs it back.
		f.markerMu.Lock()
		if _, err := f.markers.Ensure(id); err != nil {
			f.logger.Error("Failed to restore write marker", zap.Int64("entityID", id), zap.Error(err))
		}
		f.markerMu.Unlock()
	}
}

// RemoveMarker deletes the write marker of id. Write movers call it on success.
func (f *FSM) RemoveMarker(id int64) {
	if f.markers == nil {
		return
	}
	f.markerMu.Lock()
	defer f.markerMu.Unlock()
	f.removeMarker(id)
}

func (f *FSM) removeMarker(id int64) {
	if err := f.markers.Remove(id); err != nil {
		f.logger.Error("Failed to remove write marker", zap.Int64("entityID", id), zap.Error(err))
	}
}

// RecordFailure marks the most recent restore of id as failed.
func (f *FSM) RecordFailure(id int64) {
	f.failMu.Lock()
	defer f.failMu.Unlock()
	f.failures[id] = struct{}{}
}

// RecordSuccess clears a restore failure of id.
func (f *FSM) RecordSuccess(id int64) {
	f.failMu.Lock()
	defer f.failMu.Unlock()
	delete(f.failures, id)
}

// ResetFailure clears the failure mark so that the restore can be retried.
func (f *FSM) ResetFailure(id int64) {
	f.RecordSuccess(id)
}

// CheckFailure returns an error wrapping ErrRestoreFailed if the last restore of id failed.
func (f *FSM) CheckFailure(id int64) error {
	f.failMu.RLock()
	defer f.failMu.RUnlock()
	if _, failed := f.failures[id]; failed {
		return fmt.Errorf("entity %d: %w", id, ErrRestoreFailed)
	}
	return nil
}

// Failures lists the entities whose last restore failed, ordered by id.
func (f *FSM) Failures() []int64 {
	f.failMu.RLock()
	ids := make([]int64, 0, len(f.failures))
	for id := range f.failures {
		ids = append(ids, id)
	}
	f.failMu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GetMaybeOffline returns every queued or in-flight entity whose pending
// intent may take it away from the main tier, i.e. anything but a plain write.
func (f *FSM) GetMaybeOffline() map[int64]struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[int64]struct{})
	for id, q := range f.deferred {
		if q.state != WriteRequested {
			out[id] = struct{}{}
		}
	}
	for id, fl := range f.changing {
		if fl.state != WriteRequested || (fl.next.set && fl.next.state != WriteRequested) {
			out[id] = struct{}{}
		}
	}
	return out
}

// GetRestoring returns the entities with a queued or in-flight restore.
func (f *FSM) GetRestoring() map[int64]struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[int64]struct{})
	for id, q := range f.deferred {
		if q.state == RestoreRequested {
			out[id] = struct{}{}
		}
	}
	for id, fl := range f.changing {
		if fl.state == RestoreRequested || (fl.next.set && fl.next.state == RestoreRequested) {
			out[id] = struct{}{}
		}
	}
	return out
}

// ErrAlreadyLocked is re-exported so callers of the coordinator need not
// import the lock manager to recognise a hold-back.
var ErrAlreadyLocked = lockmanager.ErrAlreadyLocked

func isHoldBack(err error) bool { return errors.Is(err, lockmanager.ErrAlreadyLocked) }
