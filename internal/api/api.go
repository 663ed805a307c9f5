// Package api exposes the interview sessions over HTTP.
//
// It serves session creation, message turns, state and transcript lookups,
// a health check and, when Twilio is the transport, the inbound webhook.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SchemaPipe/internal/models"
)

const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// maxBodyBytes caps request bodies.
	maxBodyBytes = 64 << 10
)

// Sessions is the session API the handlers depend on.
type Sessions interface {
	Start(ctx context.Context) (string, string, error)
	Reset(ctx context.Context, id string) (string, error)
	HandleMessage(ctx context.Context, id, message string) (string, *models.ConversationState, error)
	State(ctx context.Context, id string) (*models.ConversationState, error)
	Transcript(id string) ([]models.TurnRecord, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	TwilioWebhook http.HandlerFunc
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhook mounts h at POST /webhooks/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server serves the HTTP API.
type Server struct {
	sessions Sessions
	addr     string
	mux      *http.ServeMux
}

// NewServer builds a server and registers its routes.
func NewServer(sessions Sessions, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Server{sessions: sessions, addr: cfg.Addr, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /sessions", s.createSessionHandler)
	s.mux.HandleFunc("POST /sessions/{id}/messages", s.messageHandler)
	s.mux.HandleFunc("GET /sessions/{id}", s.stateHandler)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.resetHandler)
	s.mux.HandleFunc("GET /sessions/{id}/transcript", s.transcriptHandler)
	s.mux.HandleFunc("GET /health", s.healthHandler)
	if cfg.TwilioWebhook != nil {
		s.mux.HandleFunc("POST /webhooks/twilio", cfg.TwilioWebhook)
		slog.Debug("NewServer: Twilio webhook mounted")
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve HTTP: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}
