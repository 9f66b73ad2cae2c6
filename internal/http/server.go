package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"finbot/internal/aggregation"
	"finbot/internal/core"
	"finbot/internal/log"
)

// UpdateHandler consumes Telegram updates delivered by webhook.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update tgbotapi.Update) error
}

// Reports serves the read-only user endpoints.
type Reports interface {
	Summary(ctx context.Context, userID string) (aggregation.Summary, error)
	CategoryTotals(ctx context.Context, userID string, kind core.Kind) ([]aggregation.CategoryTotal, bool, error)
	Transactions(ctx context.Context, userID string) ([]core.Transaction, error)
}

type Options struct {
	// WebhookSecret must match the secret token header Telegram sends with
	// every webhook call.
	WebhookSecret string
	// APIToken is the bearer token the /users routes require.
	APIToken string
	Logger   *log.Logger
	Now      func() time.Time
}

type Server struct {
	http.Server
	updates     UpdateHandler
	reports     Reports
	opts        Options
	logger      *log.Logger
	rateLimiter *rateLimiter
	metrics     *securityMetrics

	shutdownOnce sync.Once
}

// NewServer configures routes, returning a ready-to-run http.Server. The
// webhook is mounted only with an updates handler and a webhook secret,
// the /users routes only with an API token.
func NewServer(addr string, updates UpdateHandler, reports Reports, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.New(log.DefaultConfig())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	mux := http.NewServeMux()
	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		updates:     updates,
		reports:     reports,
		opts:        opts,
		logger:      opts.Logger.WithComponent(log.ComponentHTTP),
		rateLimiter: newRateLimiter(),
		metrics:     &securityMetrics{},
	}

	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", handleReady)
	switch {
	case updates == nil:
	case opts.WebhookSecret == "":
		s.logger.Warn("Webhook secret not set, webhook route disabled")
	default:
		mux.HandleFunc("POST /telegram/webhook", s.withSecurity(s.handleWebhook))
	}
	if opts.APIToken != "" {
		mux.HandleFunc("GET /users/{id}/summary", s.withSecurity(s.requireToken(s.handleSummary)))
		mux.HandleFunc("GET /users/{id}/export.csv", s.withSecurity(s.requireToken(s.handleExport)))
	} else {
		s.logger.Info("HTTP API token not set, /users routes disabled")
	}

	s.Handler = log.Middleware(opts.Logger)(mux)
	return s
}

// Shutdown gracefully shuts down the server and cleanup routines
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
