// Package server exposes the assistant's live state over HTTP and a
// websocket feed for UI processes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/ggonzalez94/defi-voice/internal/chat"
	"github.com/ggonzalez94/defi-voice/internal/execution"
	"github.com/ggonzalez94/defi-voice/internal/realtime"
	"github.com/ggonzalez94/defi-voice/internal/usage"
	"github.com/ggonzalez94/defi-voice/internal/wallet"
)

type SessionSource interface {
	Snapshot() realtime.SessionState
}

type WalletSource interface {
	Snapshot() wallet.Snapshot
}

type TranscriptStore interface {
	Rooms(limit int) ([]chat.RoomInfo, error)
	Messages(roomID string) ([]chat.Message, error)
}

type RecordStore interface {
	Get(id string) (execution.TransactionRecord, error)
	List(status string, limit int) ([]execution.TransactionRecord, error)
}

type PendingCounter interface {
	Pending() int
}

// Deps are the read-only views the server renders. Nil members are
// reported as absent.
type Deps struct {
	Session     SessionSource
	Wallet      WalletSource
	Usage       *usage.Accumulator
	Rooms       *chat.Manager
	Transcripts TranscriptStore
	Records     RecordStore
	Poller      PendingCounter
	Feed        *Feed
	Logger      zerolog.Logger
}

type Config struct {
	Addr           string
	AllowedOrigins []string
	ReadTimeout    time.Duration
}

type Server struct {
	router     chi.Router
	httpServer *http.Server
	deps       Deps
	cfg        Config
}

func New(cfg Config, deps Deps) *Server {
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if deps.Feed == nil {
		deps.Feed = NewFeed()
	}

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(requestLogger(deps.Logger))
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}).Handler)

	s := &Server{
		router: router,
		deps:   deps,
		cfg:    cfg,
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: cfg.ReadTimeout,
		},
	}

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Route("/v1", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/rooms", s.handleRooms)
		r.Get("/rooms/{roomID}/messages", s.handleMessages)
		r.Get("/transactions", s.handleTransactions)
		r.Get("/transactions/{recordID}", s.handleTransaction)
		r.Get("/events", s.handleEvents)
	})
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Feed() *Feed { return s.deps.Feed }

// Start listens until Shutdown is called.
func (s *Server) Start(_ context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", chimw.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
