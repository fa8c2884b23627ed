// Package movers executes the batches dispatched by the deferred-operation
// coordinator: it copies bytes between the storage tiers, releases the batch
// locks and reports every entity back to the coordinator.
package movers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojods/core/catalog"
	"github.com/sushant-115/gojods/core/fsm"
	"github.com/sushant-115/gojods/core/storage_engine/common"
	"github.com/sushant-115/gojods/core/storage_engine/tiered_storage"
	internaltelemetry "github.com/sushant-115/gojods/internal/telemetry"
)

const (
	DefaultWorkers             = 4
	DefaultPerBatchConcurrency = 4
)

// Coordinator receives the outcome of every moved entity.
type Coordinator interface {
	// RemoveFromChanging is called exactly once per dispatched entity.
	RemoveFromChanging(id int64)
	RemoveMarker(id int64)
	RecordSuccess(id int64)
	RecordFailure(id int64)
}

// Config sizes the pool.
type Config struct {
	// Workers is the number of batches processed concurrently.
	Workers int
	// PerBatchConcurrency bounds the entities of one batch moved concurrently.
	PerBatchConcurrency int
	// BytesPerSecond throttles every tier copy; zero disables throttling.
	BytesPerSecond int64
}

type job struct {
	batch fsm.Batch
	link  trace.Link
}

// Pool is a fixed set of mover workers. It implements fsm.Dispatcher.
type Pool struct {
	cfg     Config
	mover   mover
	coord   Coordinator
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *internaltelemetry.FSMMetrics
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	// stopping is closed first by Stop, releasing a Dispatch blocked on a
	// full batches channel so Stop can take mu.
	stopping chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	stopped bool
	batches chan job
	wg      sync.WaitGroup
}

// Option customizes a Pool.
type Option func(*Pool)

// WithMetrics records mover durations and failures on m.
func WithMetrics(m *internaltelemetry.FSMMetrics) Option { return func(p *Pool) { p.metrics = m } }

// WithTracer traces every batch.
func WithTracer(t trace.Tracer) Option { return func(p *Pool) { p.tracer = t } }

// NewPool creates a pool for a two-tier deployment of granularity g.
func NewPool(
	cfg Config,
	g fsm.Granularity,
	tiers *tiered_storage.TieredStorageManager,
	resolver catalog.Resolver,
	coord Coordinator,
	logger *zap.Logger,
	opts ...Option,
) (*Pool, error) {
	if !tiers.HasArchive() {
		return nil, fmt.Errorf("movers: %w", fsm.ErrNotSupported)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PerBatchConcurrency <= 0 {
		cfg.PerBatchConcurrency = DefaultPerBatchConcurrency
	}

	logger = logger.Named("movers")
	limiter := common.NewLimiter(cfg.BytesPerSecond)
	base := tierCopier{mainTier: tiers.Main(), archiveTier: tiers.Archive(), limiter: limiter}

	var m mover
	switch g {
	case fsm.GranularityDatafile:
		m = &datafileMover{tierCopier: base, logger: logger}
	case fsm.GranularityDataset:
		m = &datasetMover{tierCopier: base, resolver: resolver, logger: logger}
	default:
		return nil, fmt.Errorf("movers: %w: no mover for %s granularity", fsm.ErrInternal, g)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		mover:   m,
		coord:   coord,
		limiter: limiter,
		logger:  logger,
		metrics: internaltelemetry.NoopFSMMetrics(),
		tracer:  nooptrace.NewTracerProvider().Tracer(""),
		ctx:     ctx,
		cancel:   cancel,
		stopping: make(chan struct{}),
		batches:  make(chan job, cfg.Workers*4),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	p.logger.Info("Starting movers",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("perBatchConcurrency", p.cfg.PerBatchConcurrency),
		zap.Int64("bytesPerSecond", p.cfg.BytesPerSecond))
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop refuses further batches and waits for the queued ones to finish. If
// ctx expires first, running copies are cancelled; their entities are still
// reported to the coordinator.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopping) })
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.batches)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		p.logger.Info("Movers stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Movers did not drain in time, cancelling running copies")
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Dispatch queues b for a worker. When every worker is busy and the queue is
// full, Dispatch blocks, which holds the batch pass back until a slot frees.
// A pool that is stopping gives the batch back instead: its locks are
// released and its entities leave the in-flight set. So does a cancelled ctx.
func (p *Pool) Dispatch(ctx context.Context, b fsm.Batch) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.logger.Warn("Pool stopped, abandoning batch", zap.Stringer("op", b.Op), zap.Int("entities", len(b.Entities)))
		p.abandon(b)
		return
	}
	select {
	case p.batches <- job{batch: b, link: trace.LinkFromContext(ctx)}:
	case <-p.stopping:
		p.logger.Warn("Pool stopping, abandoning batch", zap.Stringer("op", b.Op), zap.Int("entities", len(b.Entities)))
		p.abandon(b)
	case <-ctx.Done():
		p.logger.Warn("Dispatch cancelled, abandoning batch",
			zap.Stringer("op", b.Op), zap.Int("entities", len(b.Entities)), zap.Error(ctx.Err()))
		p.abandon(b)
	}
}

func (p *Pool) abandon(b fsm.Batch) {
	for _, l := range b.Locks {
		l.Release()
	}
	for _, e := range b.Entities {
		p.coord.RemoveFromChanging(e.ID)
	}
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker", n))
	for j := range p.batches {
		p.run(logger, j)
	}
}

func (p *Pool) run(logger *zap.Logger, j job) {
	b := j.batch
	opName := strings.ToLower(b.Op.String())
	ctx, span := p.tracer.Start(p.ctx, "movers."+opName,
		trace.WithLinks(j.link),
		trace.WithAttributes(attribute.Int("entities", len(b.Entities))))
	defer span.End()

	start := time.Now()
	defer func() {
		for _, l := range b.Locks {
			l.Release()
		}
	}()

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed int
		moved  int64
	)
	g.SetLimit(p.cfg.PerBatchConcurrency)
	for _, e := range b.Entities {
		g.Go(func() error {
			n, err := p.moveOne(ctx, logger, b.Op, e)
			mu.Lock()
			defer mu.Unlock()
			moved += n
			if err != nil {
				failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	elapsed := time.Since(start)
	attrs := metric.WithAttributes(attribute.String("op", opName))
	p.metrics.MoverDuration.Record(ctx, elapsed.Milliseconds(), attrs)
	if failed > 0 {
		p.metrics.MoverFailureCounter.Add(ctx, int64(failed), attrs)
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d entities failed", failed, len(b.Entities)))
	}
	logger.Info("Batch finished",
		zap.Stringer("op", b.Op),
		zap.Int("entities", len(b.Entities)),
		zap.Int("failed", failed),
		zap.String("moved", humanizeBytes(moved)),
		zap.Duration("elapsed", elapsed))
}

// moveOne performs op on e and reports the outcome. The entity always leaves
// the in-flight set, whatever happens.
func (p *Pool) moveOne(ctx context.Context, logger *zap.Logger, op fsm.DeferredOp, e catalog.Entity) (int64, error) {
	defer p.coord.RemoveFromChanging(e.ID)

	var (
		n   int64
		err error
	)
	switch op {
	case fsm.OpWrite:
		n, err = p.mover.write(ctx, e)
	case fsm.OpArchive:
		n, err = p.mover.archive(ctx, e)
	case fsm.OpRestore:
		n, err = p.mover.restore(ctx, e)
	case fsm.OpDelete:
		err = p.mover.delete(ctx, e)
	default:
		err = fmt.Errorf("%w: unknown operation %s", fsm.ErrInternal, op)
	}

	switch op {
	case fsm.OpWrite:
		// A failed write keeps its marker and is replayed on the next start.
		if err == nil {
			p.coord.RemoveMarker(e.ID)
		}
	case fsm.OpRestore:
		if err == nil {
			p.coord.RecordSuccess(e.ID)
		} else {
			p.coord.RecordFailure(e.ID)
		}
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Move cancelled", zap.Stringer("op", op), zap.Int64("entityID", e.ID))
		} else {
			logger.Error("Move failed",
				zap.Stringer("op", op),
				zap.Int64("entityID", e.ID),
				zap.String("location", e.Location),
				zap.Error(err))
		}
		return n, err
	}
	logger.Debug("Moved",
		zap.Stringer("op", op),
		zap.Int64("entityID", e.ID),
		zap.String("location", e.Location),
		zap.String("size", humanizeBytes(n)))
	return n, nil
}
