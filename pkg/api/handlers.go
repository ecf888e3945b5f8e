package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/markhive/markhive/pkg/broker"
	"github.com/markhive/markhive/pkg/log"
	"github.com/markhive/markhive/pkg/store"
	"github.com/markhive/markhive/pkg/types"
)

func deadline(d time.Duration) time.Time {
	return time.Now().Add(d)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handlePing answers the reachability probe
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleEvents serves the per-namespace SSE stream. The broker enqueues an
// initial connection frame, then heartbeats and application events; this
// handler only moves frames from the subscription queue onto the wire.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	if namespace == "" {
		writeError(w, http.StatusBadRequest, "namespace query parameter is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if _, err := s.store.EnsureNamespace(namespace, DefaultRootTitle); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to ensure namespace")
		return
	}

	// SSE headers must be set before the first write. The Connection
	// header is deliberately absent: it is invalid in HTTP/2.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := s.broker.Subscribe(namespace)
	defer s.broker.Unsubscribe(sub)

	rc := http.NewResponseController(w)
	logger := log.WithNamespace(namespace).With().
		Str("subscription_id", sub.ID).
		Logger()
	logger.Info().Msg("sse stream opened")

	for {
		select {
		case <-r.Context().Done():
			logger.Info().Msg("sse stream closed by client")
			return
		case event, ok := <-sub.Events():
			if !ok {
				// Evicted or namespace drained.
				logger.Info().Msg("sse stream closed by broker")
				return
			}
			frame, err := broker.FormatFrame(event)
			if err != nil {
				logger.Error().Err(err).Msg("failed to format frame")
				continue
			}
			_ = rc.SetWriteDeadline(deadline(s.cfg.SSE.WriteTimeout))
			if _, err := w.Write(frame); err != nil {
				logger.Info().Err(err).Msg("sse write failed")
				return
			}
			flusher.Flush()
		}
	}
}

// handleConnections reports the live subscriber count for a namespace, or
// the total across namespaces when the parameter is omitted.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	var count int
	if namespace == "" {
		count = s.broker.TotalConnections()
	} else {
		count = s.broker.ConnectionCount(namespace)
	}
	writeJSON(w, http.StatusOK, types.ConnectionsResponse{Connections: count})
}

// handleNamespaces lists all namespaces
func (s *Server) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.ListNamespaces()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list namespaces")
		return
	}
	if infos == nil {
		infos = []types.NamespaceInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": infos})
}

// handleApply applies a single operation envelope
func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")

	var env types.OperationEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid envelope body")
		return
	}
	env.Namespace = namespace

	if _, err := s.store.EnsureNamespace(namespace, DefaultRootTitle); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to ensure namespace")
		return
	}

	resp := s.applicator.Apply(namespace, &env)
	writeJSON(w, http.StatusOK, resp)
}

// handleSync applies a batch of envelopes in submission order
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")

	var req types.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid sync body")
		return
	}

	if _, err := s.store.EnsureNamespace(namespace, DefaultRootTitle); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to ensure namespace")
		return
	}

	resp := s.applicator.ApplyBatch(namespace, &req)
	writeJSON(w, http.StatusOK, resp)
}

// handleSubtree returns the subtree rooted at a node, children loaded under
// open folders only.
func (s *Server) handleSubtree(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	nodeID := chi.URLParam(r, "id")

	if _, err := s.store.EnsureNamespace(namespace, DefaultRootTitle); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to ensure namespace")
		return
	}

	subtree, err := s.store.GetSubtree(namespace, nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "node not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load subtree")
		return
	}
	writeJSON(w, http.StatusOK, subtree)
}
