// Package ids_service exposes the data service coordinator over HTTP/JSON.
package ids_service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/sushant-115/gojods/core/catalog"
	"github.com/sushant-115/gojods/core/fsm"
	"github.com/sushant-115/gojods/core/lockmanager"
	"github.com/sushant-115/gojods/core/readiness"
	"github.com/sushant-115/gojods/core/storage_engine/tiered_storage"
)

// Response statuses.
const (
	StatusOK            = "OK"
	StatusError         = "ERROR"
	StatusBadRequest    = "BAD_REQUEST"
	StatusNotFound      = "NOT_FOUND"
	StatusNotOnline     = "NOT_ONLINE"
	StatusNotSupported  = "NOT_SUPPORTED"
	StatusLocked        = "LOCKED"
	StatusRestoreFailed = "RESTORE_FAILED"
)

// APIRequest selects the entities of a request, or names a preparation.
type APIRequest struct {
	DatasetIDs    []int64 `json:"datasetIds,omitempty"`
	DatafileIDs   []int64 `json:"datafileIds,omitempty"`
	PreparationID string  `json:"preparationId,omitempty"`
}

// APIResponse is the envelope of every reply.
type APIResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// PrepareResult is the data of a /prepare reply.
type PrepareResult struct {
	PreparationID string `json:"preparationId"`
}

// ReadyResult is the data of an /isPrepared reply.
type ReadyResult struct {
	Ready bool `json:"ready"`
}

// StatusResult is the data of a /getStatus reply.
type StatusResult struct {
	Status readiness.EntityStatus `json:"status"`
}

// Coordinator is the coordinator surface the service drives.
type Coordinator interface {
	readiness.Coordinator
	Status() fsm.Status
}

// Service handles client requests.
type Service struct {
	coord    Coordinator
	tracker  *readiness.Tracker
	resolver catalog.Resolver
	locker   lockmanager.Manager
	main     tiered_storage.Backend
	logger   *zap.Logger
}

// NewService creates the HTTP service.
func NewService(
	coord Coordinator,
	tracker *readiness.Tracker,
	resolver catalog.Resolver,
	locker lockmanager.Manager,
	main tiered_storage.Backend,
	logger *zap.Logger,
) *Service {
	return &Service{
		coord:    coord,
		tracker:  tracker,
		resolver: resolver,
		locker:   locker,
		main:     main,
		logger:   logger.Named("ids_service"),
	}
}

// Handler returns the routes of the service.
func (s *Service) Handler() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /prepare", s.handlePrepare)
	mux.HandleFunc("GET /isPrepared", s.handleIsPrepared)
	mux.HandleFunc("POST /getStatus", s.handleGetStatus)
	mux.HandleFunc("POST /reset", s.handleReset)
	mux.HandleFunc("POST /checkOnline", s.handleCheckOnline)
	mux.HandleFunc("POST /archive", s.scheduleHandler(fsm.OpArchive))
	mux.HandleFunc("POST /restore", s.scheduleHandler(fsm.OpRestore))
	mux.HandleFunc("POST /write", s.scheduleHandler(fsm.OpWrite))
	mux.HandleFunc("POST /delete", s.handleDelete)
	return mux
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.reply(w, s.coord.Status())
}

func (s *Service) handlePrepare(w http.ResponseWriter, r *http.Request) {
	sel, ok := s.selection(w, r)
	if !ok {
		return
	}
	id := sel.Prepare()
	// The first poll requests the restores; its outcome is for later polls to report.
	if _, err := sel.IsPrepared(r.Context(), id); err != nil {
		s.logger.Warn("Initial readiness poll failed", zap.String("preparationID", id), zap.Error(err))
	}
	s.reply(w, PrepareResult{PreparationID: id})
}

func (s *Service) handleIsPrepared(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("preparationId")
	if id == "" {
		s.fail(w, errBadRequest("preparationId is required"))
		return
	}
	ready, err := s.tracker.IsPrepared(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, ReadyResult{Ready: ready})
}

func (s *Service) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	var (
		st  readiness.EntityStatus
		err error
	)
	if req.PreparationID != "" {
		st, err = s.tracker.GetStatus(r.Context(), req.PreparationID)
	} else {
		var sel *readiness.Selection
		if sel, err = s.tracker.Select(r.Context(), s.resolver, req.DatasetIDs, req.DatafileIDs); err == nil {
			st, err = sel.Status(r.Context())
		}
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, StatusResult{Status: st})
}

func (s *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	if req.PreparationID != "" {
		if err := s.tracker.Reset(req.PreparationID); err != nil {
			s.fail(w, err)
			return
		}
		s.reply(w, nil)
		return
	}
	sel, err := s.tracker.Select(r.Context(), s.resolver, req.DatasetIDs, req.DatafileIDs)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.tracker.ResetEntities(sel.Entities())
	s.reply(w, nil)
}

func (s *Service) handleCheckOnline(w http.ResponseWriter, r *http.Request) {
	sel, ok := s.selection(w, r)
	if !ok {
		return
	}
	if err := sel.CheckOnline(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, nil)
}

func (s *Service) scheduleHandler(op fsm.DeferredOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sel, ok := s.selection(w, r)
		if !ok {
			return
		}
		if err := sel.ScheduleTasks(r.Context(), op); err != nil {
			s.fail(w, err)
			return
		}
		s.logger.Info("Operation scheduled", zap.Stringer("op", op), zap.Int("entities", len(sel.Entities())))
		s.reply(w, nil)
	}
}

// handleDelete removes the requested entities from the main tier under an
// exclusive lock on their datasets, then queues the archive-side work. In
// dataset granularity a datafile named on its own only leaves the main
// tier; its dataset is queued for WRITE so the archive bundle is rebuilt
// without it.
func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	if len(req.DatasetIDs) == 0 && len(req.DatafileIDs) == 0 {
		s.fail(w, errBadRequest("no datasetIds or datafileIds given"))
		return
	}
	ctx := r.Context()

	whole, err := s.tracker.Select(ctx, s.resolver, req.DatasetIDs, nil)
	if err != nil {
		s.fail(w, err)
		return
	}
	named := make(map[int64]bool, len(req.DatasetIDs))
	for _, id := range req.DatasetIDs {
		named[id] = true
	}
	var files []catalog.Entity
	for _, id := range req.DatafileIDs {
		df, err := s.resolver.Datafile(ctx, id)
		if err != nil {
			s.fail(w, err)
			return
		}
		if !named[df.DatasetID] {
			files = append(files, df.Entity())
		}
	}
	files = catalog.SortEntities(files)

	datasetIDs := make([]int64, 0, len(req.DatasetIDs)+len(files))
	datasetIDs = append(datasetIDs, req.DatasetIDs...)
	for _, e := range files {
		datasetIDs = append(datasetIDs, e.DatasetID)
	}
	lock, err := s.locker.Lock(datasetIDs, lockmanager.Exclusive)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer lock.Release()

	if err := s.deleteFromMain(ctx, whole.Entities()); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.deleteFromMain(ctx, files); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.scheduleDelete(ctx, whole, files); err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("Deleted",
		zap.Int64s("datasetIds", req.DatasetIDs),
		zap.Int("datafiles", len(files)),
	)
	s.reply(w, nil)
}

// scheduleDelete queues the archive-side follow-up of a delete.
func (s *Service) scheduleDelete(ctx context.Context, whole *readiness.Selection, files []catalog.Entity) error {
	switch s.coord.Granularity() {
	case fsm.GranularityNone:
		return nil
	case fsm.GranularityDataset:
		if err := whole.ScheduleTasks(ctx, fsm.OpDelete); err != nil {
			return err
		}
		rewritten := make(map[int64]bool)
		for _, e := range files {
			if rewritten[e.DatasetID] {
				continue
			}
			rewritten[e.DatasetID] = true
			ds, err := s.resolver.Dataset(ctx, e.DatasetID)
			if err != nil {
				return err
			}
			if err := s.coord.Queue(ctx, ds.Entity(), fsm.OpWrite); err != nil {
				return fmt.Errorf("queue %s for dataset %d: %w", fsm.OpWrite, ds.ID, err)
			}
		}
		return nil
	default:
		if err := whole.ScheduleTasks(ctx, fsm.OpDelete); err != nil {
			return err
		}
		for _, e := range files {
			if err := s.coord.Queue(ctx, e, fsm.OpDelete); err != nil {
				return fmt.Errorf("queue %s for datafile %d: %w", fsm.OpDelete, e.ID, err)
			}
		}
		return nil
	}
}

func (s *Service) deleteFromMain(ctx context.Context, entities []catalog.Entity) error {
	for _, e := range entities {
		err := s.main.Delete(ctx, e.Location)
		if err != nil && !errors.Is(err, tiered_storage.ErrNotFound) {
			return fmt.Errorf("delete %s %d: %w", e.Kind, e.ID, err)
		}
	}
	return nil
}

func (s *Service) decode(w http.ResponseWriter, r *http.Request) (APIRequest, bool) {
	var req APIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, errBadRequest(fmt.Sprintf("invalid request format: %v", err)))
		return req, false
	}
	return req, true
}

func (s *Service) selection(w http.ResponseWriter, r *http.Request) (*readiness.Selection, bool) {
	req, ok := s.decode(w, r)
	if !ok {
		return nil, false
	}
	if len(req.DatasetIDs) == 0 && len(req.DatafileIDs) == 0 {
		s.fail(w, errBadRequest("no datasetIds or datafileIds given"))
		return nil, false
	}
	sel, err := s.tracker.Select(r.Context(), s.resolver, req.DatasetIDs, req.DatafileIDs)
	if err != nil {
		s.fail(w, err)
		return nil, false
	}
	return sel, true
}

type badRequestError string

func (e badRequestError) Error() string { return string(e) }

func errBadRequest(msg string) error { return badRequestError(msg) }

// classify maps an error to its HTTP status code and response status.
func classify(err error) (int, string) {
	var bad badRequestError
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest, StatusBadRequest
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, readiness.ErrUnknownPreparation):
		return http.StatusNotFound, StatusNotFound
	case errors.Is(err, fsm.ErrNotSupported):
		return http.StatusNotImplemented, StatusNotSupported
	case errors.Is(err, readiness.ErrNotOnline):
		return http.StatusServiceUnavailable, StatusNotOnline
	case errors.Is(err, lockmanager.ErrAlreadyLocked):
		return http.StatusConflict, StatusLocked
	case errors.Is(err, fsm.ErrRestoreFailed):
		return http.StatusInternalServerError, StatusRestoreFailed
	default:
		return http.StatusInternalServerError, StatusError
	}
}

func (s *Service) fail(w http.ResponseWriter, err error) {
	code, status := classify(err)
	if code >= http.StatusInternalServerError && status != StatusRestoreFailed {
		s.logger.Error("Request failed", zap.Error(err))
	} else {
		s.logger.Debug("Request refused", zap.String("status", status), zap.Error(err))
	}
	s.write(w, code, APIResponse{Status: status, Message: err.Error()})
}

func (s *Service) reply(w http.ResponseWriter, data any) {
	resp := APIResponse{Status: StatusOK}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			s.fail(w, err)
			return
		}
		resp.Data = raw
	}
	s.write(w, http.StatusOK, resp)
}

func (s *Service) write(w http.ResponseWriter, code int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}
