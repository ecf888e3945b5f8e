package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/markhive/markhive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "/api/ping", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := New(ts.URL)
	assert.NoError(t, c.Ping(context.Background()))
}

func TestPingFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := New(ts.URL)
	err := c.Ping(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.True(t, se.IsTransient())
}

func TestStatusErrorTransience(t *testing.T) {
	assert.True(t, (&StatusError{Code: 500}).IsTransient())
	assert.True(t, (&StatusError{Code: 503}).IsTransient())
	assert.False(t, (&StatusError{Code: 400}).IsTransient())
	assert.False(t, (&StatusError{Code: 404}).IsTransient())
}

func TestSync(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/sync/default/operations", r.URL.Path)

		var req types.SyncRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "c1", req.ClientID)
		require.Len(t, req.Operations, 1)

		json.NewEncoder(w).Encode(types.SyncResponse{
			Applied: []types.AppliedResult{
				{OperationID: req.Operations[0].ID, Status: types.AppliedSuccess},
			},
			Mappings:        map[string]string{"temp_x": "real-x"},
			ServerTimestamp: 42,
		})
	}))
	defer ts.Close()

	c := New(ts.URL)
	resp, err := c.Sync(context.Background(), "default", &types.SyncRequest{
		ClientID: "c1",
		Operations: []*types.OperationEnvelope{
			{ID: "e1", TS: 1, Namespace: "default", Op: types.Operation{Type: types.OpRemoveNode, NodeID: "x"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Applied, 1)
	assert.Equal(t, "real-x", resp.Mappings["temp_x"])
	assert.EqualValues(t, 42, resp.ServerTimestamp)
}

func TestSyncServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := New(ts.URL)
	_, err := c.Sync(context.Background(), "default", &types.SyncRequest{ClientID: "c1"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Contains(t, se.Body, "boom")
}

func TestOpenEvents(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/events", r.URL.Path)
		assert.Equal(t, "default", r.URL.Query().Get("namespace"))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		frames := []string{
			"id: ev-1\nevent: connection\ndata: {\"subId\":\"s1\",\"connectionCount\":1,\"timestamp\":100}\n\n",
			": keepalive comment\n",
			"id: ev-2\nevent: folder_created\ndata: {\"id\":\"f1\",\"timestamp\":200}\n\n",
			"event: heartbeat\ndata: {}\n\n",
		}
		for _, f := range frames {
			_, _ = w.Write([]byte(f))
			flusher.Flush()
		}
		// Hold the stream open briefly so the client reads everything.
		time.Sleep(100 * time.Millisecond)
	}))
	defer ts.Close()

	c := New(ts.URL)
	stream, err := c.OpenEvents(context.Background(), "default")
	require.NoError(t, err)
	defer stream.Close()

	ev := recvStreamEvent(t, stream)
	assert.Equal(t, "ev-1", ev.ID)
	assert.Equal(t, types.EventConnection, ev.Type)
	assert.Equal(t, "default", ev.Namespace)
	assert.Equal(t, "s1", ev.Data["subId"])
	assert.EqualValues(t, 100, ev.Timestamp)

	ev = recvStreamEvent(t, stream)
	assert.Equal(t, "ev-2", ev.ID)
	assert.Equal(t, types.EventFolderCreated, ev.Type)
	assert.Equal(t, "f1", ev.Data["id"])

	// Frames without an id still parse; the id stays empty for the
	// coordinator to fill.
	ev = recvStreamEvent(t, stream)
	assert.Empty(t, ev.ID)
	assert.Equal(t, types.EventHeartbeat, ev.Type)
	assert.NotZero(t, ev.Timestamp)
}

func TestOpenEventsRejectsWrongContentType(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{}"))
	}))
	defer ts.Close()

	c := New(ts.URL)
	_, err := c.OpenEvents(context.Background(), "default")
	assert.Error(t, err)
}

func TestOpenEventsRejectsErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer ts.Close()

	c := New(ts.URL)
	_, err := c.OpenEvents(context.Background(), "default")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
}

func TestStreamCloseEndsEvents(t *testing.T) {
	block := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-block
	}))
	defer ts.Close()
	defer close(block)

	c := New(ts.URL)
	stream, err := c.OpenEvents(context.Background(), "default")
	require.NoError(t, err)

	stream.Close()
	_, ok := <-stream.Events()
	assert.False(t, ok, "events channel closes after Close")
}

func recvStreamEvent(t *testing.T, s *EventStream) *types.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "stream ended early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return nil
	}
}
