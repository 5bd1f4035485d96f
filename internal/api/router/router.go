package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/clinic-voice-booking/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-voice-booking/internal/http/middleware"
	"github.com/wolfman30/clinic-voice-booking/pkg/logging"
)

// ReadinessCheck reports whether a dependency is reachable.
type ReadinessCheck func(ctx context.Context) error

// Config holds router configuration
type Config struct {
	Logger      *logging.Logger
	TwilioVoice *handlers.TwilioVoiceHandler
	TelnyxVoice *handlers.VoiceAIHandler
	AdminCalls  *handlers.AdminCallsHandler
	// WebhookLimiter throttles the public webhook routes. Optional.
	WebhookLimiter     *httpmiddleware.RateLimiter
	AdminAuthSecret    string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
	Readiness          map[string]ReadinessCheck
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/ready", readyHandler(cfg.Readiness))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/webhooks", func(wh chi.Router) {
		if cfg.WebhookLimiter != nil {
			wh.Use(httpmiddleware.RateLimit(cfg.WebhookLimiter))
		}
		if cfg.TwilioVoice != nil {
			wh.Post("/twilio/voice", cfg.TwilioVoice.HandleVoice)
			wh.Post("/twilio/voice/status", cfg.TwilioVoice.HandleStatus)
		}
		if cfg.TelnyxVoice != nil {
			wh.Post("/telnyx/voice-ai", cfg.TelnyxVoice.HandleVoiceAI)
		}
	})

	if cfg.AdminCalls != nil {
		r.Route("/admin", func(admin chi.Router) {
			if len(cfg.CORSAllowedOrigins) > 0 {
				admin.Use(httpmiddleware.CORS(httpmiddleware.CORSConfig{Origins: cfg.CORSAllowedOrigins}))
			}
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Get("/calls/{callID}", cfg.AdminCalls.GetCall)
			admin.Post("/calls/{callID}/context", cfg.AdminCalls.MergeContext)
			admin.Post("/calls/{callID}/end", cfg.AdminCalls.EndCall)
			admin.Get("/calls/{callID}/audit", cfg.AdminCalls.AuditTrail)
		})
	}
	return r
}

func readyHandler(checks map[string]ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(results)
	}
}
