package ids_service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojods/core/catalog"
	"github.com/sushant-115/gojods/core/fsm"
	"github.com/sushant-115/gojods/core/lockmanager"
	"github.com/sushant-115/gojods/core/movers"
	"github.com/sushant-115/gojods/core/readiness"
	"github.com/sushant-115/gojods/core/storage_engine/tiered_storage"
)

type advancer interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type env struct {
	srv   *httptest.Server
	fsm   *fsm.FSM
	tiers *tiered_storage.TieredStorageManager
	locks *lockmanager.TableManager
	clock advancer
}

func newEnv(t *testing.T, archive bool) *env {
	t.Helper()
	if archive {
		return newEnvWithGranularity(t, fsm.GranularityDatafile)
	}
	return newEnvWithGranularity(t, fsm.GranularityNone)
}

func newEnvWithGranularity(t *testing.T, g fsm.Granularity) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)
	archive := g != fsm.GranularityNone
	archiveDir := ""
	if archive {
		archiveDir = t.TempDir()
	}
	tiers, err := tiered_storage.NewTieredStorageManager(t.TempDir(), archiveDir, logger)
	require.NoError(t, err)

	cat := catalog.NewMemoryCatalog(catalog.Dataset{ID: 1, Location: "ds1", Datafiles: []catalog.Datafile{
		{ID: 11, Location: "ds1/a.dat"},
		{ID: 12, Location: "ds1/b.dat"},
	}})
	e := &env{tiers: tiers, locks: lockmanager.NewTableManager(logger), clock: clockwork.NewFakeClock()}

	var markers *fsm.MarkerStore
	if archive {
		markers, err = fsm.NewMarkerStore(filepath.Join(t.TempDir(), "markers"))
		require.NoError(t, err)
	}
	e.fsm, err = fsm.New(fsm.Config{Granularity: g, WriteDelay: time.Minute}, e.locks, cat, markers, nil, logger, fsm.WithClock(e.clock))
	require.NoError(t, err)

	if archive {
		pool, err := movers.NewPool(movers.Config{Workers: 2}, g, tiers, cat, e.fsm, logger)
		require.NoError(t, err)
		pool.Start()
		t.Cleanup(func() { require.NoError(t, pool.Stop(context.Background())) })
		e.fsm.SetDispatcher(pool)
	}

	tracker := readiness.NewTracker(readiness.Config{}, e.fsm, tiers.Main(), logger)
	t.Cleanup(tracker.Close)
	svc := NewService(e.fsm, tracker, cat, e.locks, tiers.Main(), logger)
	e.srv = httptest.NewServer(svc.Handler())
	t.Cleanup(e.srv.Close)

	for _, loc := range []string{"ds1/a.dat", "ds1/b.dat"} {
		_, err := tiers.Main().Put(context.Background(), loc, strings.NewReader("payload of "+loc))
		require.NoError(t, err)
	}
	return e
}

func (e *env) post(t *testing.T, path string, req APIRequest) (int, APIResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return decodeResponse(t, resp)
}

func (e *env) get(t *testing.T, path string) (int, APIResponse) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	return decodeResponse(t, resp)
}

func decodeResponse(t *testing.T, resp *http.Response) (int, APIResponse) {
	t.Helper()
	defer resp.Body.Close()
	var out APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

// settle runs a batch pass after the coalescing delay and waits for the movers.
func (e *env) settle(t *testing.T) {
	t.Helper()
	e.clock.Advance(time.Minute + time.Second)
	e.fsm.ProcessQueue(context.Background())
	require.Eventually(t, func() bool {
		st := e.fsm.Status()
		return len(st.Queue) == 0 && len(st.Locks) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func (e *env) onMain(t *testing.T, loc string) bool {
	t.Helper()
	ok, err := e.tiers.Main().Exists(context.Background(), loc)
	require.NoError(t, err)
	return ok
}

func TestArchiveRestoreCycle(t *testing.T) {
	e := newEnv(t, true)

	code, resp := e.post(t, "/archive", APIRequest{DatasetIDs: []int64{1}})
	require.Equal(t, http.StatusOK, code, resp.Message)

	code, resp = e.get(t, "/status")
	require.Equal(t, http.StatusOK, code)
	var st struct {
		Granularity string `json:"granularity"`
		Deadline    *time.Time
		Queue       []struct {
			ID    int64  `json:"id"`
			State string `json:"state"`
		}
	}
	require.NoError(t, json.Unmarshal(resp.Data, &st))
	require.Equal(t, "datafile", st.Granularity)
	require.NotNil(t, st.Deadline)
	require.Len(t, st.Queue, 2)
	require.Equal(t, fsm.ArchiveRequested.String(), st.Queue[0].State)

	e.settle(t)
	require.False(t, e.onMain(t, "ds1/a.dat"))
	require.False(t, e.onMain(t, "ds1/b.dat"))

	code, resp = e.post(t, "/getStatus", APIRequest{DatafileIDs: []int64{11}})
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status":"ARCHIVED"}`, string(resp.Data))

	code, resp = e.post(t, "/checkOnline", APIRequest{DatafileIDs: []int64{11}})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, StatusNotOnline, resp.Status)

	code, resp = e.post(t, "/getStatus", APIRequest{DatafileIDs: []int64{11}})
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status":"RESTORING"}`, string(resp.Data))

	e.settle(t)
	code, _ = e.post(t, "/checkOnline", APIRequest{DatafileIDs: []int64{11}})
	require.Equal(t, http.StatusOK, code)

	code, resp = e.post(t, "/prepare", APIRequest{DatasetIDs: []int64{1}})
	require.Equal(t, http.StatusOK, code)
	var prep PrepareResult
	require.NoError(t, json.Unmarshal(resp.Data, &prep))
	require.NotEmpty(t, prep.PreparationID)

	code, resp = e.get(t, "/isPrepared?preparationId="+prep.PreparationID)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"ready":false}`, string(resp.Data))

	e.settle(t)
	code, resp = e.get(t, "/isPrepared?preparationId="+prep.PreparationID)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"ready":true}`, string(resp.Data))

	code, resp = e.post(t, "/getStatus", APIRequest{PreparationID: prep.PreparationID})
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status":"ONLINE"}`, string(resp.Data))
}

func TestDeleteGuard(t *testing.T) {
	e := newEnv(t, true)

	code, _ := e.post(t, "/write", APIRequest{DatafileIDs: []int64{11}})
	require.Equal(t, http.StatusOK, code)
	e.settle(t)
	ok, err := e.tiers.Archive().Exists(context.Background(), "ds1/a.dat")
	require.NoError(t, err)
	require.True(t, ok)

	held, err := e.locks.Lock([]int64{1}, lockmanager.Shared)
	require.NoError(t, err)
	code, resp := e.post(t, "/delete", APIRequest{DatafileIDs: []int64{11}})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, StatusLocked, resp.Status)
	require.True(t, e.onMain(t, "ds1/a.dat"))
	held.Release()

	code, _ = e.post(t, "/delete", APIRequest{DatafileIDs: []int64{11}})
	require.Equal(t, http.StatusOK, code)
	require.False(t, e.onMain(t, "ds1/a.dat"))
	require.Equal(t, []fsm.QueueEntry{{ID: 11, DatasetID: 1, State: fsm.DeleteRequested}}, e.fsm.Status().Queue)

	e.settle(t)
	ok, err = e.tiers.Archive().Exists(context.Background(), "ds1/a.dat")
	require.NoError(t, err)
	require.False(t, ok)
}

func (e *env) onArchive(t *testing.T, loc string) bool {
	t.Helper()
	ok, err := e.tiers.Archive().Exists(context.Background(), loc)
	require.NoError(t, err)
	return ok
}

func TestDatasetGranularityDeleteKeepsSiblings(t *testing.T) {
	e := newEnvWithGranularity(t, fsm.GranularityDataset)

	code, _ := e.post(t, "/write", APIRequest{DatafileIDs: []int64{11}})
	require.Equal(t, http.StatusOK, code)
	e.settle(t)
	require.True(t, e.onArchive(t, "ds1.zip"))

	code, resp := e.post(t, "/delete", APIRequest{DatafileIDs: []int64{11}})
	require.Equal(t, http.StatusOK, code, resp.Message)
	require.False(t, e.onMain(t, "ds1/a.dat"))
	require.True(t, e.onMain(t, "ds1/b.dat"))
	require.Equal(t, []fsm.QueueEntry{{ID: 1, DatasetID: 1, State: fsm.WriteRequested}}, e.fsm.Status().Queue)
	e.settle(t)
	require.True(t, e.onArchive(t, "ds1.zip"))

	code, _ = e.post(t, "/archive", APIRequest{DatasetIDs: []int64{1}})
	require.Equal(t, http.StatusOK, code)
	e.settle(t)
	require.False(t, e.onMain(t, "ds1/b.dat"))

	code, _ = e.post(t, "/checkOnline", APIRequest{DatasetIDs: []int64{1}})
	require.Equal(t, http.StatusServiceUnavailable, code)
	e.settle(t)
	require.True(t, e.onMain(t, "ds1/b.dat"))
	require.False(t, e.onMain(t, "ds1/a.dat"), "rewritten bundle still holds the deleted datafile")

	code, _ = e.post(t, "/delete", APIRequest{DatasetIDs: []int64{1}, DatafileIDs: []int64{12}})
	require.Equal(t, http.StatusOK, code)
	require.False(t, e.onMain(t, "ds1"))
	require.Equal(t, []fsm.QueueEntry{{ID: 1, DatasetID: 1, State: fsm.DeleteRequested}}, e.fsm.Status().Queue)
	e.settle(t)
	require.False(t, e.onArchive(t, "ds1.zip"))
}

func TestRequestErrors(t *testing.T) {
	e := newEnv(t, true)

	resp, err := http.Post(e.srv.URL+"/archive", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	code, body := decodeResponse(t, resp)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, StatusBadRequest, body.Status)

	code, _ = e.post(t, "/archive", APIRequest{})
	require.Equal(t, http.StatusBadRequest, code)

	code, body = e.post(t, "/restore", APIRequest{DatafileIDs: []int64{99}})
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, StatusNotFound, body.Status)

	code, _ = e.get(t, "/isPrepared?preparationId=nope")
	require.Equal(t, http.StatusNotFound, code)
	code, _ = e.get(t, "/isPrepared")
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = e.post(t, "/reset", APIRequest{PreparationID: "nope"})
	require.Equal(t, http.StatusNotFound, code)
	code, _ = e.post(t, "/reset", APIRequest{DatafileIDs: []int64{11}})
	require.Equal(t, http.StatusOK, code)

	code, _ = e.post(t, "/archive", APIRequest{DatafileIDs: []int64{11}})
	require.Equal(t, http.StatusOK, code)
	code, body = e.post(t, "/write", APIRequest{DatafileIDs: []int64{11}})
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, StatusError, body.Status)
}

func TestSingleTier(t *testing.T) {
	e := newEnv(t, false)

	code, resp := e.post(t, "/archive", APIRequest{DatasetIDs: []int64{1}})
	require.Equal(t, http.StatusNotImplemented, code)
	require.Equal(t, StatusNotSupported, resp.Status)

	code, _ = e.post(t, "/checkOnline", APIRequest{DatasetIDs: []int64{1}})
	require.Equal(t, http.StatusOK, code)

	code, resp = e.post(t, "/prepare", APIRequest{DatasetIDs: []int64{1}})
	require.Equal(t, http.StatusOK, code)
	var prep PrepareResult
	require.NoError(t, json.Unmarshal(resp.Data, &prep))
	code, resp = e.get(t, "/isPrepared?preparationId="+prep.PreparationID)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"ready":true}`, string(resp.Data))

	code, _ = e.post(t, "/delete", APIRequest{DatafileIDs: []int64{12}})
	require.Equal(t, http.StatusOK, code)
	require.False(t, e.onMain(t, "ds1/b.dat"))
}
