package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-huddle/internal/admission"
	"github.com/npezzotti/go-huddle/internal/analytics"
	"github.com/npezzotti/go-huddle/internal/config"
	"github.com/npezzotti/go-huddle/internal/registry"
	"github.com/npezzotti/go-huddle/internal/server"
	"github.com/rs/zerolog"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the HTTP surface fronts.
type Deps struct {
	ChatServer *server.ChatServer
	Registry   *registry.Registry
	Analytics  *analytics.Aggregator
	Admission  *admission.Controller
	Store      Pinger
}

type HuddleApp struct {
	log            zerolog.Logger
	srv            *http.Server
	cs             *server.ChatServer
	registry       *registry.Registry
	analytics      *analytics.Aggregator
	admission      *admission.Controller
	store          Pinger
	signingKey     []byte
	allowedOrigins []string
	trustProxy     bool
}

func NewHuddleApp(mux *http.ServeMux, logger zerolog.Logger, deps Deps, cfg *config.Config) *HuddleApp {
	s := &HuddleApp{
		log:            logger.With().Str("component", "http").Logger(),
		cs:             deps.ChatServer,
		registry:       deps.Registry,
		analytics:      deps.Analytics,
		admission:      deps.Admission,
		store:          deps.Store,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		trustProxy:     cfg.TrustProxy,
	}

	mux.HandleFunc("GET /health", s.healthCheck)
	mux.HandleFunc("POST /api/rooms", s.createRoom)
	mux.HandleFunc("GET /api/rooms/{id}", s.getRoom)
	mux.HandleFunc("GET /api/analytics/rooms/{id}", s.getAnalytics)
	mux.HandleFunc("GET /ws", s.optionalAuth(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

// Serve accepts connections on ln until Shutdown is called.
func (s *HuddleApp) Serve(ln net.Listener) error {
	s.log.Info().Str("addr", ln.Addr().String()).Msg("starting server")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HuddleApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
