package selfserve

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qualloop/selfserve/internal/logging"
	"github.com/qualloop/selfserve/internal/selfserve/checkout"
	"github.com/qualloop/selfserve/internal/selfserve/replay"
	"github.com/qualloop/selfserve/internal/selfserve/stripe"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config       *Config
	Orchestrator *checkout.Orchestrator
	Guard        replay.Guard
	Version      string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return adminKeyMiddleware(deps.Config.AdminKey, next)
	}

	// Health is an unauthenticated liveness probe.
	mux.HandleFunc("/healthz", handleHealthz(deps.Version))

	// Metrics are private by default.
	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Stripe webhook (signature-authenticated).
	webhookHandler := stripe.NewWebhookHandler(
		deps.Config.StripeWebhookSecret,
		deps.Orchestrator,
		deps.Guard,
		deps.Config.DedupeTTL,
	)
	webhookLimiter := NewRateLimiter(deps.Config.WebhookRateLimit, time.Minute)
	mux.Handle("/api/stripe/webhook", webhookLimiter.Middleware(webhookHandler))

	// Checkout return landing page (transaction-id authenticated by the
	// payment provider lookup).
	successLimiter := NewRateLimiter(60, time.Minute)
	mux.Handle("/checkout/success", successLimiter.Middleware(requestIDMiddleware(HandleCheckoutSuccess(deps.Orchestrator))))
}

// requestIDMiddleware stamps a request ID onto the context and echoes it
// back in the response for support correlation.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, requestID := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func handleHealthz(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": version,
		})
	}
}

// adminKeyMiddleware gates a handler behind the admin key, accepted as a
// bearer token or X-Admin-Key header.
func adminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if adminKey == "" {
			http.Error(w, "admin key not configured", http.StatusServiceUnavailable)
			return
		}
		presented := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if presented == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				presented = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(adminKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
