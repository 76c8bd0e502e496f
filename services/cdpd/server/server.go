package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cdpledger/native/cdp"
	nativecommon "cdpledger/native/common"
	"cdpledger/native/oracle"
	"cdpledger/native/params"
	"cdpledger/observability"
	"cdpledger/observability/logging"
	"cdpledger/services/cdpd/journal"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	AdminToken    string
	RateLimit     RateLimit
	// SignatureSkew bounds the age of signed requests. Zero uses two minutes.
	SignatureSkew time.Duration
}

// EventSource serves journaled events.
type EventSource interface {
	Entries(ctx context.Context, q journal.Query) ([]journal.Entry, error)
}

// PauseStore persists operator pause changes.
type PauseStore interface {
	SetPauses(params.Pauses) error
}

// Deps are the collaborators served over HTTP.
type Deps struct {
	Engine     *cdp.Engine
	Liquidator *cdp.Liquidator
	Events     EventSource
	Pauses     *nativecommon.Switchboard
	PauseStore PauseStore
	Head       *oracle.ManualHead
	Logger     *slog.Logger
	Metrics    *observability.HTTPMetrics
	Gatherer   prometheus.Gatherer
}

// Server hosts the position API, admin endpoints and metrics for cdpd.
type Server struct {
	cfg      Config
	engine   *cdp.Engine
	liq      *cdp.Liquidator
	events   EventSource
	pauses   *nativecommon.Switchboard
	store    PauseStore
	head     *oracle.ManualHead
	logger   *slog.Logger
	metrics  *observability.HTTPMetrics
	gatherer prometheus.Gatherer
	limiter  *rateLimiter
	auth     *signatureAuth
}

// New constructs a new HTTP server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if deps.Liquidator == nil {
		return nil, fmt.Errorf("liquidator required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:      cfg,
		engine:   deps.Engine,
		liq:      deps.Liquidator,
		events:   deps.Events,
		pauses:   deps.Pauses,
		store:    deps.PauseStore,
		head:     deps.Head,
		logger:   deps.Logger.With(slog.String("component", "http")),
		metrics:  deps.Metrics,
		gatherer: deps.Gatherer,
	}
	s.limiter = newRateLimiter(cfg.RateLimit, s.metrics.RecordThrottle)
	s.auth = newSignatureAuth(cfg.SignatureSkew, nil)
	return s, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/positions/{asset}/{owner}", s.handlePosition)
		r.Post("/positions/{asset}/{owner}/health", s.handleHealthCheck)
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.middleware("/v1/cdp"))
			r.Use(s.requireSignature)
			r.Post("/cdp/spawn", s.handleMovement(opSpawn))
			r.Post("/cdp/deposit", s.handleMovement(opDeposit))
			r.Post("/cdp/withdraw", s.handleMovement(opWithdraw))
			r.Post("/cdp/repay-col", s.handleMovement(opRepayCol))
			r.Post("/cdp/withdraw-repay-col", s.handleMovement(opWithdrawRepayCol))
			r.Post("/cdp/liquidate", s.handleLiquidate)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/pauses", s.handleGetPauses)
		r.Put("/pauses", s.handlePutPauses)
		r.Put("/oracle/head", s.handlePutHead)
	})

	return otelhttp.NewHandler(r, "cdpd")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("cdpd http server listening", slog.String("listen", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.metrics.Observe(route, rec.status, time.Since(start))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(s.cfg.AdminToken)
		if token == "" {
			writeError(w, http.StatusForbidden, "admin endpoints disabled")
			return
		}
		presented := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			s.logger.Warn("admin request rejected",
				slog.String("route", r.URL.Path),
				logging.MaskField("authorization", presented))
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
