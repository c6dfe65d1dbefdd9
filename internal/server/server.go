package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"dropgate/internal/claim"
	"dropgate/internal/config"
	"dropgate/internal/hmacauth"
	"dropgate/internal/idempotency"
	"dropgate/internal/sigmint"
)

const headerRequestID = "X-Request-Id"

// HealthCheck checks one dependency for /api/v1/health.
type HealthCheck func(ctx context.Context) error

// Deps are the services the HTTP layer exposes.
type Deps struct {
	Conditions  *claim.Conditions
	Minter      *sigmint.Minter
	Idempotency idempotency.Store
	Metrics     *Metrics
	Health      map[string]HealthCheck
	Log         *zap.Logger
}

type Server struct {
	conditions *claim.Conditions
	minter     *sigmint.Minter
	hmac       *hmacauth.Verifier
	idem       *idempotency.Guard
	limit      func(http.Handler) http.Handler
	metrics    *Metrics
	health     map[string]HealthCheck
	log        *zap.Logger
	handler    http.Handler
	httpServer *http.Server
}

func NewServer(cfg *config.AppConfig, deps Deps) (*Server, error) {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	store := deps.Idempotency
	if store == nil {
		store = idempotency.NewMemoryStore()
	}

	s := &Server{
		conditions: deps.Conditions,
		minter:     deps.Minter,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
			Log:     log,
		},
		idem: &idempotency.Guard{
			Store:   store,
			Window:  cfg.Service.IdempotencyWindow,
			Log:     log,
			Observe: metrics.incIdempotency,
		},
		limit:   func(h http.Handler) http.Handler { return h },
		metrics: metrics,
		health:  deps.Health,
		log:     log,
	}

	if cfg.Service.RateLimit != "" {
		rate, err := limiter.NewRateFromFormatted(cfg.Service.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("read rate limit %q: %w", cfg.Service.RateLimit, err)
		}
		mw := stdlib.NewMiddleware(limiter.New(memory.NewStore(), rate, limiter.WithTrustForwardHeader(true)),
			stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
			}),
		)
		s.limit = mw.Handler
	}

	mux := http.NewServeMux()
	s.routes(mux)
	s.handler = s.requestID(s.accessLog(mux))

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s, nil
}

func (s *Server) routes(mux *http.ServeMux) {
	read := func(h http.HandlerFunc) http.Handler { return s.limit(h) }
	admin := func(h http.HandlerFunc) http.Handler { return s.hmac.Middleware(s.idem.Middleware(h)) }

	mux.Handle("GET /api/v1/tokens/{tokenId}/claim-conditions", read(s.handleGetAll))
	mux.Handle("GET /api/v1/tokens/{tokenId}/claim-conditions/active", read(s.handleGetActive))
	mux.Handle("GET /api/v1/tokens/{tokenId}/eligibility", read(s.handleEligibility))
	mux.Handle("GET /api/v1/tokens/{tokenId}/proof", read(s.handleProof))
	mux.Handle("GET /api/v1/snapshots/{root}", read(s.handleSnapshot))
	mux.Handle("POST /api/v1/tokens/{tokenId}/claim-conditions", admin(s.handleSetConditions))
	mux.Handle("PATCH /api/v1/tokens/{tokenId}/claim-conditions/{index}", admin(s.handleUpdateCondition))
	mux.Handle("POST /api/v1/signatures", admin(s.handleGenerateSignatures))
	mux.Handle("POST /api/v1/signatures/verify", read(s.handleVerifySignature))
	mux.Handle("GET /api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
}

// Handler is the full middleware-wrapped router.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type checkResult struct {
	Healthy   bool    `json:"healthy"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true
	checks := make(map[string]checkResult, len(s.health))

	for name, check := range s.health {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := check(checkCtx)
		cancel()
		res := checkResult{Healthy: err == nil, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
		if err != nil {
			res.Error = err.Error()
			overallHealthy = false
		}
		checks[name] = res
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		Status string                 `json:"status"`
		Checks map[string]checkResult `json:"checks"`
	}{Status: status, Checks: checks})
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// accessLog records latency per matched route. The mux fills r.Pattern in place.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		elapsed := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.observeRequest(route, sw.status, elapsed)
		s.log.Debug("request",
			zap.String("request_id", r.Header.Get(headerRequestID)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("elapsed", elapsed),
		)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
