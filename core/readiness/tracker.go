// Package readiness decides whether the entities of a request are resident
// on the main tier, requesting restores for those that are not, and tracks
// long-running preparations so that clients can poll them cheaply.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojods/core/catalog"
	"github.com/sushant-115/gojods/core/fsm"
	"github.com/sushant-115/gojods/core/storage_engine/tiered_storage"
)

var (
	// ErrNotOnline refuses a request whose data is being restored.
	ErrNotOnline = errors.New("data not online, restore requested")
	// ErrUnknownPreparation is returned for preparation ids the tracker does not hold.
	ErrUnknownPreparation = errors.New("unknown preparation id")
)

// Coordinator is the view of the deferred-operation coordinator the tracker needs.
type Coordinator interface {
	Granularity() fsm.Granularity
	Queue(ctx context.Context, e catalog.Entity, op fsm.DeferredOp) error
	GetMaybeOffline() map[int64]struct{}
	GetRestoring() map[int64]struct{}
	CheckFailure(id int64) error
	ResetFailure(id int64)
}

// Config tunes the tracker.
type Config struct {
	// ChecksPerSecond bounds main-tier existence checks; zero means unbounded.
	ChecksPerSecond float64
}

// Tracker answers readiness questions for the coordinator's deployment.
type Tracker struct {
	coord   Coordinator
	main    tiered_storage.Backend
	limiter *rate.Limiter
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	preps map[string]*preparation
}

// preparation is the resumable state of one IsPrepared poll.
type preparation struct {
	entities []catalog.Entity

	// guard makes polls single-flight: a concurrent poll reports not ready.
	guard  sync.Mutex
	cursor int
	bg     *continuation
}

// continuation is a background check of the entities after the cursor.
type continuation struct {
	done chan struct{}
	err  error
}

// NewTracker creates a tracker reading main-tier residency from main.
func NewTracker(cfg Config, coord Coordinator, main tiered_storage.Backend, logger *zap.Logger) *Tracker {
	var limiter *rate.Limiter
	if cfg.ChecksPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ChecksPerSecond), 1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		coord:   coord,
		main:    main,
		limiter: limiter,
		logger:  logger.Named("readiness"),
		ctx:     ctx,
		cancel:  cancel,
		preps:   make(map[string]*preparation),
	}
}

// Close cancels background continuations and waits for them.
func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
}

func (t *Tracker) singleTier() bool { return t.coord.Granularity() == fsm.GranularityNone }

// snapshot is the coordinator state an existence scan is evaluated against.
type snapshot struct {
	maybeOffline map[int64]struct{}
	restoring    map[int64]struct{}
}

func (t *Tracker) snapshot() snapshot {
	return snapshot{maybeOffline: t.coord.GetMaybeOffline(), restoring: t.coord.GetRestoring()}
}

// resident reports whether e is on the main tier with nothing pending that
// could take it away.
func (t *Tracker) resident(ctx context.Context, e catalog.Entity, s snapshot) (bool, error) {
	if _, ok := s.maybeOffline[e.ID]; ok {
		return false, nil
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}
	ok, err := t.main.Exists(ctx, e.Location)
	if err != nil {
		return false, fmt.Errorf("check %s %d on main tier: %w", e.Kind, e.ID, err)
	}
	return ok, nil
}

// ensureOnline checks e and requests a restore if it is not resident. An
// entity already being restored is not queued again.
func (t *Tracker) ensureOnline(ctx context.Context, e catalog.Entity, s snapshot) (bool, error) {
	ok, err := t.resident(ctx, e, s)
	if err != nil || ok {
		return ok, err
	}
	if _, restoring := s.restoring[e.ID]; restoring {
		return false, nil
	}
	if err := t.coord.Queue(ctx, e, fsm.OpRestore); err != nil {
		return false, err
	}
	t.logger.Debug("Restore requested", zap.Int64("entityID", e.ID), zap.String("location", e.Location))
	return false, nil
}

// CheckOnline requests a restore for every entity that is not resident and
// returns ErrNotOnline if there was any. Single-tier deployments are always online.
func (t *Tracker) CheckOnline(ctx context.Context, entities []catalog.Entity) error {
	if t.singleTier() {
		return nil
	}
	s := t.snapshot()
	missing := 0
	for _, e := range entities {
		ok, err := t.ensureOnline(ctx, e, s)
		if err != nil {
			return err
		}
		if !ok {
			missing++
		}
	}
	if missing > 0 {
		t.logger.Info("Request refused until restore completes",
			zap.Int("missing", missing), zap.Int("entities", len(entities)))
		return fmt.Errorf("%d of %d entities: %w", missing, len(entities), ErrNotOnline)
	}
	return nil
}

// Prepare registers entities for polling with IsPrepared and returns the preparation id.
func (t *Tracker) Prepare(entities []catalog.Entity) string {
	id := uuid.NewString()
	p := &preparation{entities: catalog.SortEntities(entities)}

	t.mu.Lock()
	t.preps[id] = p
	t.mu.Unlock()

	t.logger.Info("Preparation registered", zap.String("preparationID", id), zap.Int("entities", len(p.entities)))
	return id
}

func (t *Tracker) lookup(prepID string) (*preparation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.preps[prepID]
	if !ok {
		return nil, fmt.Errorf("%q: %w", prepID, ErrUnknownPreparation)
	}
	return p, nil
}

// Entities returns the entities of a preparation in id order.
func (t *Tracker) Entities(prepID string) ([]catalog.Entity, error) {
	p, err := t.lookup(prepID)
	if err != nil {
		return nil, err
	}
	return append([]catalog.Entity(nil), p.entities...), nil
}

// Forget drops a preparation. A running continuation finishes on its own.
func (t *Tracker) Forget(prepID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.preps[prepID]; !ok {
		return fmt.Errorf("%q: %w", prepID, ErrUnknownPreparation)
	}
	delete(t.preps, prepID)
	return nil
}

// IsPrepared polls a preparation. Entities confirmed by earlier polls are
// skipped: the scan resumes at the cursor, the first entity found missing
// becomes the new cursor, and the rest of the list is checked in the
// background so that their restores are requested without delaying the
// caller. Only a poll whose forward scan is clean re-verifies the entities
// before the cursor, and only then can it report ready.
func (t *Tracker) IsPrepared(ctx context.Context, prepID string) (bool, error) {
	p, err := t.lookup(prepID)
	if err != nil {
		return false, err
	}
	if t.singleTier() {
		return true, nil
	}
	if !p.guard.TryLock() {
		return false, nil
	}
	defer p.guard.Unlock()

	if p.bg != nil {
		select {
		case <-p.bg.done:
			err := p.bg.err
			p.bg = nil
			if err != nil {
				return false, err
			}
		default:
			return false, nil
		}
	}

	s := t.snapshot()
	for i := p.cursor; i < len(p.entities); i++ {
		e := p.entities[i]
		if err := t.coord.CheckFailure(e.ID); err != nil {
			p.cursor = i
			return false, err
		}
		ok, err := t.ensureOnline(ctx, e, s)
		if err != nil {
			p.cursor = i
			return false, err
		}
		if !ok {
			p.cursor = i
			if i+1 < len(p.entities) {
				p.bg = t.continueInBackground(prepID, p.entities[i+1:])
			}
			t.logger.Debug("Preparation not ready",
				zap.String("preparationID", prepID), zap.Int("cursor", i), zap.Int("entities", len(p.entities)))
			return false, nil
		}
	}

	for i := 0; i < p.cursor; i++ {
		e := p.entities[i]
		if err := t.coord.CheckFailure(e.ID); err != nil {
			return false, err
		}
		ok, err := t.ensureOnline(ctx, e, s)
		if err != nil {
			return false, err
		}
		if !ok {
			p.cursor = i
			return false, nil
		}
	}
	return true, nil
}

// continueInBackground checks tail on the tracker's own context. It does not
// stop at the first missing entity so that every restore is requested.
func (t *Tracker) continueInBackground(prepID string, tail []catalog.Entity) *continuation {
	c := &continuation{done: make(chan struct{})}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(c.done)
		s := t.snapshot()
		for _, e := range tail {
			if err := t.coord.CheckFailure(e.ID); err != nil {
				c.err = err
				return
			}
			if _, err := t.ensureOnline(t.ctx, e, s); err != nil {
				c.err = err
				t.logger.Warn("Background readiness check failed",
					zap.String("preparationID", prepID), zap.Int64("entityID", e.ID), zap.Error(err))
				return
			}
		}
	}()
	return c
}

// EntityStatus is the residency of an entity, or the aggregate of a set.
type EntityStatus int

const (
	Online EntityStatus = iota
	Restoring
	Archived
)

func (s EntityStatus) String() string {
	switch s {
	case Online:
		return "ONLINE"
	case Restoring:
		return "RESTORING"
	case Archived:
		return "ARCHIVED"
	default:
		return fmt.Sprintf("EntityStatus(%d)", int(s))
	}
}

// MarshalText renders the status by name.
func (s EntityStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status reports the least available status among entities: ARCHIVED if any
// entity is away from the main tier, else RESTORING if any restore is
// pending, else ONLINE. A recorded restore failure is returned as an error.
// Status never requests a restore.
func (t *Tracker) Status(ctx context.Context, entities []catalog.Entity) (EntityStatus, error) {
	if t.singleTier() {
		return Online, nil
	}
	s := t.snapshot()
	status := Online
	for _, e := range entities {
		if err := t.coord.CheckFailure(e.ID); err != nil {
			return status, err
		}
		if _, ok := s.restoring[e.ID]; ok {
			status = max(status, Restoring)
			continue
		}
		ok, err := t.resident(ctx, e, s)
		if err != nil {
			return status, err
		}
		if !ok {
			return Archived, nil
		}
	}
	return status, nil
}

// GetStatus is Status over the entities of a preparation.
func (t *Tracker) GetStatus(ctx context.Context, prepID string) (EntityStatus, error) {
	p, err := t.lookup(prepID)
	if err != nil {
		return Online, err
	}
	return t.Status(ctx, p.entities)
}

// ResetEntities clears the restore failures of entities so the next poll retries them.
func (t *Tracker) ResetEntities(entities []catalog.Entity) {
	if t.singleTier() {
		return
	}
	for _, e := range entities {
		t.coord.ResetFailure(e.ID)
	}
}

// Reset clears the restore failures of every entity of a preparation.
func (t *Tracker) Reset(prepID string) error {
	p, err := t.lookup(prepID)
	if err != nil {
		return err
	}
	t.ResetEntities(p.entities)
	t.logger.Info("Preparation reset", zap.String("preparationID", prepID))
	return nil
}
