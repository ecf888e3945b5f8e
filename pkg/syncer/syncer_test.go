package syncer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/markhive/markhive/pkg/client"
	"github.com/markhive/markhive/pkg/config"
	"github.com/markhive/markhive/pkg/oplog"
	"github.com/markhive/markhive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		BatchWindow: 20 * time.Millisecond,
		MaxRetries:  3,
		RetryDelays: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
	}
}

// syncBackend is a scripted sync endpoint
type syncBackend struct {
	mu       sync.Mutex
	requests []*types.SyncRequest
	respond  func(req *types.SyncRequest) *types.SyncResponse
	failWith int32 // HTTP status; 0 serves responses
}

func (b *syncBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := atomic.LoadInt32(&b.failWith); code != 0 {
			http.Error(w, "scripted failure", int(code))
			return
		}
		var req types.SyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.requests = append(b.requests, &req)
		respond := b.respond
		b.mu.Unlock()

		resp := respond(&req)
		json.NewEncoder(w).Encode(resp)
	})
}

func (b *syncBackend) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// allSuccess acknowledges every envelope, mapping temp ids to real ones
func allSuccess(req *types.SyncRequest) *types.SyncResponse {
	resp := &types.SyncResponse{
		Mappings:        make(map[string]string),
		ServerTimestamp: time.Now().UnixMilli(),
	}
	for _, env := range req.Operations {
		resp.Applied = append(resp.Applied, types.AppliedResult{
			OperationID: env.ID,
			Status:      types.AppliedSuccess,
		})
		if types.IsTempID(env.Op.ID) {
			resp.Mappings[env.Op.ID] = "real-" + env.Op.ID[len(types.TempIDPrefix):]
		}
	}
	return resp
}

func newTestEngine(t *testing.T, backend *syncBackend) *Engine {
	t.Helper()
	ts := httptest.NewServer(backend.handler())
	t.Cleanup(ts.Close)

	journal, err := oplog.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	e := New(client.New(ts.URL), journal, testSyncConfig())
	t.Cleanup(e.Stop)
	return e
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEnqueueAppliesOptimistically(t *testing.T) {
	backend := &syncBackend{respond: allSuccess}
	e := newTestEngine(t, backend)
	e.SetOnline(false) // keep the envelope pending for inspection

	env, err := e.Enqueue("default", types.Operation{
		Type:  types.OpCreateFolder,
		ID:    "temp_f1",
		Title: strptr("Work"),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, env.Status)

	// The replica reflects the mutation before any network round trip.
	n, ok := e.Replica("default").Get("temp_f1")
	require.True(t, ok)
	assert.Equal(t, "Work", n.Title)
	assert.Equal(t, 1, e.PendingCount("default"))
}

func TestDrainMarksSyncedAndRemapsIDs(t *testing.T) {
	backend := &syncBackend{respond: allSuccess}
	e := newTestEngine(t, backend)

	_, err := e.Enqueue("default", types.Operation{
		Type:  types.OpCreateFolder,
		ID:    "temp_f1",
		Title: strptr("Work"),
	})
	require.NoError(t, err)

	waitFor(t, func() bool { return e.PendingCount("default") == 0 }, "batch never drained")

	// The temp id has been replaced by the server-assigned one.
	_, ok := e.Replica("default").Get("temp_f1")
	assert.False(t, ok)
	n, ok := e.Replica("default").Get("real-f1")
	require.True(t, ok)
	assert.Equal(t, "Work", n.Title)

	st, errMsg := e.Status("default")
	assert.Equal(t, types.SyncSynced, st)
	assert.Empty(t, errMsg)
}

func TestBatchWindowCoalesces(t *testing.T) {
	backend := &syncBackend{respond: allSuccess}
	e := newTestEngine(t, backend)

	// Burst of enqueues inside one window lands in a single POST.
	for i := 0; i < 5; i++ {
		_, err := e.Enqueue("default", types.Operation{
			Type:  types.OpCreateFolder,
			ID:    types.TempIDPrefix + string(rune('a'+i)),
			Title: strptr("F"),
		})
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return e.PendingCount("default") == 0 }, "batch never drained")
	assert.Equal(t, 1, backend.requestCount())

	b := backend.requests[0]
	assert.Len(t, b.Operations, 5)
	assert.Equal(t, e.ClientID(), b.ClientID)
}

func TestValidationRejectsBeforeJournal(t *testing.T) {
	backend := &syncBackend{respond: allSuccess}
	e := newTestEngine(t, backend)

	_, err := e.Enqueue("default", types.Operation{
		Type:  types.OpCreateBookmark,
		ID:    "temp_b1",
		Title: strptr("Bad"),
		URL:   strptr("not a url"),
	})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, e.PendingCount("default"))
	_, ok := e.Replica("default").Get("temp_b1")
	assert.False(t, ok)
}

func TestEnvelopeFailureRetries(t *testing.T) {
	var calls int32
	backend := &syncBackend{}
	backend.respond = func(req *types.SyncRequest) *types.SyncResponse {
		n := atomic.AddInt32(&calls, 1)
		resp := &types.SyncResponse{ServerTimestamp: time.Now().UnixMilli()}
		for _, env := range req.Operations {
			status := types.AppliedSuccess
			errMsg := ""
			if n == 1 {
				status = types.AppliedFailed
				errMsg = "parent not found"
			}
			resp.Applied = append(resp.Applied, types.AppliedResult{
				OperationID: env.ID, Status: status, Error: errMsg,
			})
		}
		return resp
	}
	e := newTestEngine(t, backend)

	_, err := e.Enqueue("default", types.Operation{
		Type:  types.OpCreateFolder,
		ID:    "temp_f1",
		Title: strptr("Work"),
	})
	require.NoError(t, err)

	// First batch fails the envelope, the scheduled requeue retries it and
	// the second batch succeeds.
	waitFor(t, func() bool {
		st, _ := e.Status("default")
		return st == types.SyncSynced && e.PendingCount("default") == 0
	}, "envelope never recovered")
	assert.GreaterOrEqual(t, backend.requestCount(), 2)
}

func TestTransportFailureKeepsEnvelopesPending(t *testing.T) {
	backend := &syncBackend{respond: allSuccess}
	atomic.StoreInt32(&backend.failWith, http.StatusBadGateway)
	e := newTestEngine(t, backend)

	_, err := e.Enqueue("default", types.Operation{
		Type:  types.OpCreateFolder,
		ID:    "temp_f1",
		Title: strptr("Work"),
	})
	require.NoError(t, err)

	waitFor(t, func() bool {
		st, _ := e.Status("default")
		return st == types.SyncError
	}, "transport failure never surfaced")
	assert.Equal(t, 1, e.PendingCount("default"), "transport failure must not mutate envelope status")

	// Recovery: the backoff redrain finds a healthy server.
	atomic.StoreInt32(&backend.failWith, 0)
	waitFor(t, func() bool { return e.PendingCount("default") == 0 }, "never recovered after transport failure")
}

func TestOfflineGatesDraining(t *testing.T) {
	backend := &syncBackend{respond: allSuccess}
	e := newTestEngine(t, backend)
	e.SetOnline(false)

	_, err := e.Enqueue("default", types.Operation{
		Type:  types.OpCreateFolder,
		ID:    "temp_f1",
		Title: strptr("Work"),
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, backend.requestCount(), "offline engine must not POST")
	assert.Equal(t, 1, e.PendingCount("default"))

	// Coming back online drains the backlog.
	e.SetOnline(true)
	waitFor(t, func() bool { return e.PendingCount("default") == 0 }, "online flip never drained")
}

func TestSyncNowRequeuesFailed(t *testing.T) {
	var failing int32 = 1
	backend := &syncBackend{}
	backend.respond = func(req *types.SyncRequest) *types.SyncResponse {
		resp := &types.SyncResponse{ServerTimestamp: time.Now().UnixMilli()}
		for _, env := range req.Operations {
			res := types.AppliedResult{OperationID: env.ID, Status: types.AppliedSuccess}
			if atomic.LoadInt32(&failing) == 1 {
				res.Status = types.AppliedFailed
				res.Error = "parent not found"
			}
			resp.Applied = append(resp.Applied, res)
		}
		return resp
	}
	e := newTestEngine(t, backend)

	_, err := e.Enqueue("default", types.Operation{
		Type:  types.OpCreateFolder,
		ID:    "temp_f1",
		Title: strptr("Work"),
	})
	require.NoError(t, err)

	// The envelope exhausts its retry budget and parks in failed.
	waitFor(t, func() bool {
		st, errMsg := e.Status("default")
		return st == types.SyncError && errMsg != "" && e.PendingCount("default") == 0
	}, "envelope never exhausted retries")

	// A user-initiated retry resets the budget against a healthy server.
	atomic.StoreInt32(&failing, 0)
	require.NoError(t, e.SyncNow("default"))
	waitFor(t, func() bool {
		st, _ := e.Status("default")
		return st == types.SyncSynced
	}, "syncNow never recovered")
}

func TestApplyServerEvent(t *testing.T) {
	backend := &syncBackend{respond: allSuccess}
	e := newTestEngine(t, backend)

	e.ApplyServerEvent(&types.Event{
		Type:      types.EventFolderCreated,
		Namespace: "default",
		Data: map[string]any{
			"id": "f1",
			"node": map[string]any{
				"id": "f1", "parentId": types.RootNodeID, "kind": "folder",
				"title": "Remote", "orderKey": "U", "updatedAt": float64(100),
			},
		},
	})
	n, ok := e.Replica("default").Get("f1")
	require.True(t, ok)
	assert.Equal(t, "Remote", n.Title)

	e.ApplyServerEvent(&types.Event{
		Type:      types.EventItemDeleted,
		Namespace: "default",
		Data:      map[string]any{"nodeId": "f1"},
	})
	_, ok = e.Replica("default").Get("f1")
	assert.False(t, ok)
}

func TestReconcilePreservesPending(t *testing.T) {
	backend := &syncBackend{respond: allSuccess}
	e := newTestEngine(t, backend)
	e.SetOnline(false) // keep the local op pending

	_, err := e.Enqueue("default", types.Operation{
		Type:  types.OpCreateFolder,
		ID:    "temp_local",
		Title: strptr("Local"),
	})
	require.NoError(t, err)

	server := map[string]*types.Node{
		types.RootNodeID: {ID: types.RootNodeID, Kind: types.NodeKindFolder, Title: "Bookmarks", IsOpen: true, OrderKey: "a0"},
		"srv":            {ID: "srv", ParentID: types.RootNodeID, Kind: types.NodeKindFolder, Title: "Server", OrderKey: "h"},
	}
	require.NoError(t, e.ReconcileFromServer("default", server))

	r := e.Replica("default")
	_, ok := r.Get("srv")
	assert.True(t, ok)
	_, ok = r.Get("temp_local")
	assert.True(t, ok, "node with pending op survives reconcile")
}

func TestReset(t *testing.T) {
	backend := &syncBackend{respond: allSuccess}
	e := newTestEngine(t, backend)
	e.SetOnline(false)

	_, err := e.Enqueue("default", types.Operation{
		Type:  types.OpCreateFolder,
		ID:    "temp_f1",
		Title: strptr("Work"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, e.PendingCount("default"))

	require.NoError(t, e.Reset())
	assert.Zero(t, e.PendingCount("default"))
	_, ok := e.Replica("default").Get("temp_f1")
	assert.False(t, ok, "replicas start fresh after reset")
}
