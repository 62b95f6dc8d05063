package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/dukerupert/credits/internal/billing/handler"
	"github.com/dukerupert/credits/internal/billing/service"
	"github.com/dukerupert/credits/internal/metrics"
	sharedmw "github.com/dukerupert/credits/internal/middleware"
	"github.com/dukerupert/credits/internal/websocket"
)

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Server struct {
	svc         *service.Service
	db          Pinger
	hub         *websocket.Hub
	metrics     *metrics.Metrics
	accountH    *handler.AccountHandler
	checkoutH   *handler.CheckoutHandler
	subH        *handler.SubscriptionHandler
	rateLimiter *sharedmw.RateLimiter
	cfg         Config
	logger      *slog.Logger
}

type Config struct {
	// FrontendURL is allowed as a CORS and websocket origin.
	FrontendURL string
	// AllowedOrigins are further CORS origins, "*" for any.
	AllowedOrigins []string
	// RateLimit caps POST requests per client IP and route within RateWindow.
	RateLimit  int
	RateWindow time.Duration
}

func New(svc *service.Service, db Pinger, hub *websocket.Hub, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 30
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	return &Server{
		svc:         svc,
		db:          db,
		hub:         hub,
		metrics:     m,
		accountH:    handler.NewAccountHandler(svc, logger.With("component", "account")),
		checkoutH:   handler.NewCheckoutHandler(svc, logger.With("component", "checkout")),
		subH:        handler.NewSubscriptionHandler(svc, logger.With("component", "subscription")),
		rateLimiter: sharedmw.NewRateLimiter(),
		cfg:         cfg,
		logger:      logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *sharedmw.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.hub != nil {
		mux.HandleFunc("GET /ws", websocket.HandleWebSocket(s.hub, s.originPatterns()))
	}

	// Accounts and credits
	mux.HandleFunc("POST /api/users", s.rateLimited(s.accountH.Register))
	mux.HandleFunc("GET /api/users/{email}", s.accountH.GetByEmail)
	mux.HandleFunc("POST /api/use-credits", s.rateLimited(s.accountH.UseCredits))
	mux.HandleFunc("GET /api/payments/{id}", s.accountH.History)
	mux.HandleFunc("GET /api/user-stats/{id}", s.accountH.Stats)

	// PayPal checkout
	mux.HandleFunc("POST /api/create-subscription-order", s.rateLimited(s.checkoutH.CreateSubscriptionOrder))
	mux.HandleFunc("POST /api/reactivate-subscription", s.rateLimited(s.checkoutH.ReactivateSubscription))
	mux.HandleFunc("GET /api/payment-success", s.checkoutH.PaymentSuccess)
	mux.HandleFunc("POST /api/capture-order", s.rateLimited(s.checkoutH.CaptureOrder))
	mux.HandleFunc("GET /api/test-paypal", s.checkoutH.TestGateway)

	// Subscription lifecycle
	mux.HandleFunc("POST /api/cancel-subscription", s.rateLimited(s.subH.Cancel))
	mux.HandleFunc("POST /api/trigger-renewal", s.rateLimited(s.subH.TriggerRenewal))

	cors := sharedmw.CORS(s.corsOrigins())
	return sharedmw.RequestLogger(s.logger, s.metrics)(cors(mux))
}

func (s *Server) corsOrigins() []string {
	origins := slices.Clone(s.cfg.AllowedOrigins)
	if o := sharedmw.OriginOf(s.cfg.FrontendURL); o != "" && !slices.Contains(origins, o) {
		origins = append(origins, o)
	}
	return origins
}

func (s *Server) rateLimited(h http.HandlerFunc) http.HandlerFunc {
	rl := sharedmw.RateLimit(s.rateLimiter, sharedmw.ByIP, s.cfg.RateLimit, s.cfg.RateWindow)
	return rl(h).ServeHTTP
}

func (s *Server) originPatterns() []string {
	if s.cfg.FrontendURL == "" {
		return nil
	}
	u, err := url.Parse(s.cfg.FrontendURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			s.logger.Error("health check: database unreachable", "error", err)
			status, code = "unavailable", http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    status,
		"demo_mode": s.svc.Demo(),
	})
}
