package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/markhive/markhive/pkg/applicator"
	"github.com/markhive/markhive/pkg/broker"
	"github.com/markhive/markhive/pkg/config"
	"github.com/markhive/markhive/pkg/log"
	"github.com/markhive/markhive/pkg/store"
	"github.com/rs/zerolog"
)

// DefaultRootTitle names the root folder of namespaces created on first use
const DefaultRootTitle = "Bookmarks"

// Server serves the markhive HTTP API: the SSE event stream plus the
// envelope apply/sync and tree read endpoints.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	broker     *broker.Broker
	applicator *applicator.Applicator
	logger     zerolog.Logger

	httpServer *http.Server
}

// NewServer creates an API server around an opened store and broker
func NewServer(cfg *config.Config, st *store.Store, br *broker.Broker) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		broker:     br,
		applicator: applicator.New(st, br),
		logger:     log.WithComponent("api"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           NewRouter(s),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. It blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http api listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains the broker (close frames to every subscriber) and then
// stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.broker.Shutdown()
	return s.httpServer.Shutdown(ctx)
}
