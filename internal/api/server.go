// Package api exposes the match engine over HTTP and WebSocket.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"duel/internal/match"
	"duel/internal/oracle"
	"duel/internal/store"
)

// Prices is the read side of the price oracle
type Prices interface {
	Latest(symbol string) (oracle.Snapshot, error)
	Symbols() []string
	Connected() bool
}

// HealthCheck is an extra dependency probe reported by /healthz
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Options configures a Server
type Options struct {
	// AllowedOrigins for CORS and WebSocket upgrades, empty allows all
	AllowedOrigins []string
	// RateLimitPerMinute per caller, 0 disables
	RateLimitPerMinute int
	// Keys enables API key authentication when non-nil
	Keys         KeyVerifier
	AuthCacheTTL time.Duration
	Checks       []HealthCheck
	Now          func() time.Time
}

type Server struct {
	engine      *match.Engine
	store       *store.Store
	prices      Prices
	keys        *KeyCache
	rateLimiter *RateLimiter
	checks      []HealthCheck
	upgrader    websocket.Upgrader
	corsOrigins []string
	now         func() time.Time
	log         zerolog.Logger
}

// NewServer creates the API server. prices may be nil when no oracle is
// configured, in which case start and finish need explicit prices.
func NewServer(engine *match.Engine, st *store.Store, prices Prices, opts Options) *Server {
	s := &Server{
		engine:      engine,
		store:       st,
		prices:      prices,
		checks:      opts.Checks,
		corsOrigins: opts.AllowedOrigins,
		now:         opts.Now,
		log:         zlog.With().Str("component", "api").Logger(),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.Keys != nil {
		s.keys = NewKeyCache(opts.Keys, opts.AuthCacheTTL)
	}
	if opts.RateLimitPerMinute > 0 {
		s.rateLimiter = NewRateLimiter(opts.RateLimitPerMinute, time.Minute)
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.checkCORSOrigin(r.Header.Get("Origin"))
		},
	}
	return s
}

// checkCORSOrigin checks if an origin is allowed
func (s *Server) checkCORSOrigin(origin string) bool {
	if len(s.corsOrigins) == 0 {
		return true
	}
	// Same-origin request
	if origin == "" {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	allowedOrigins := s.corsOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.keys != nil {
			r.Use(s.keys.Middleware)
		}
		if s.rateLimiter != nil {
			r.Use(s.rateLimiter.Middleware)
		}

		r.Route("/api", func(r chi.Router) {
			r.Post("/matches", s.createMatch)
			r.Post("/matches/join", s.joinMatch)
			r.Get("/matches/{id}", s.getMatch)
			r.Post("/matches/{id}/asset", s.selectAsset)
			r.Post("/matches/{id}/start", s.startMatch)
			r.Post("/matches/{id}/finish", s.finishMatch)
			r.Post("/matches/{id}/cancel", s.cancelMatch)
			r.Get("/invites/{code}", s.getInvite)
			r.Get("/wallets/{wallet}/matches", s.listWalletMatches)

			r.Get("/prices", s.listPrices)
			r.Get("/prices/{symbol}", s.getPrice)
		})

		r.Get("/ws/matches/{id}", s.handleMatchSocket)
	})

	return r
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK

	if err := s.store.Ping(); err != nil {
		resp.Checks["store"] = err.Error()
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	} else {
		resp.Checks["store"] = "ok"
	}

	// A disconnected oracle degrades start and finish at market but the
	// last known prices are still served
	if s.prices != nil {
		if s.prices.Connected() {
			resp.Checks["oracle"] = "connected"
		} else {
			resp.Checks["oracle"] = "disconnected"
		}
	}

	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			resp.Checks[c.Name] = err.Error()
			if resp.Status == "ok" {
				resp.Status = "degraded"
			}
		} else {
			resp.Checks[c.Name] = "ok"
		}
	}

	writeJSON(w, status, resp)
}

// Shutdown stops internal goroutines (key cache cleanup, rate limiter)
func (s *Server) Shutdown() {
	if s.keys != nil {
		s.keys.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}
