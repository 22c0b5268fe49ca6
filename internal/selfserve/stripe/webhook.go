package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/qualloop/selfserve/internal/selfserve/replay"
	"github.com/qualloop/selfserve/internal/selfserve/ssmetrics"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// ErrEventInvalid marks a webhook event whose payload cannot be acted on,
// for example a subscription carrying no tenant link or an unknown plan.
var ErrEventInvalid = errors.New("event invalid")

// EventProcessor reacts to billing events the handler has verified and
// decoded. Implementations must be safe to invoke more than once for the
// same event.
type EventProcessor interface {
	SubscriptionActivated(ctx context.Context, sub SubscriptionEvent) error
}

// WebhookHandler verifies incoming Stripe webhook events and dispatches
// subscription activations to the processor.
type WebhookHandler struct {
	secret    string
	processor EventProcessor
	guard     replay.Guard
	dedupeTTL time.Duration
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookAckResponse struct {
	Received  bool `json:"received"`
	Processed bool `json:"processed"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler. The guard
// collapses redelivered events inside the dedupe window; events that fail
// processing are never marked, so provider retries get a fresh attempt.
func NewWebhookHandler(secret string, processor EventProcessor, guard replay.Guard, dedupeTTL time.Duration) *WebhookHandler {
	return &WebhookHandler{
		secret:    secret,
		processor: processor,
		guard:     guard,
		dedupeTTL: dedupeTTL,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		ssmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		ssmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusUnauthorized
		writeJSON(w, status, webhookErrorResponse{Error: ErrInvalidSignature.Error()})
		return
	}
	eventType = string(event.Type)

	if h.guard != nil && h.guard.Seen(eventKey(event.ID)) {
		log.Info().
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook duplicate suppressed")
		writeJSON(w, http.StatusOK, webhookAckResponse{Received: true, Processed: true})
		return
	}

	processed, err := h.handleEvent(r.Context(), &event)
	if err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook processing failed")
		if errors.Is(err, ErrEventInvalid) {
			status = http.StatusBadRequest
			writeJSON(w, status, webhookErrorResponse{Error: "event rejected"})
			return
		}
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	if processed && h.guard != nil {
		h.guard.Mark(eventKey(event.ID), h.dedupeTTL)
	}
	writeJSON(w, http.StatusOK, webhookAckResponse{Received: true, Processed: processed})
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripelib.Event) (bool, error) {
	switch event.Type {
	case "customer.subscription.updated":
		var sub SubscriptionEvent
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return false, fmt.Errorf("decode subscription: %w", err)
		}
		if !newlyActive(sub, event.Data.PreviousAttributes) {
			log.Debug().
				Str("subscription_id", sub.ID).
				Str("status", sub.Status).
				Msg("subscription update is not an activation")
			return false, nil
		}
		if err := h.processor.SubscriptionActivated(ctx, sub); err != nil {
			return false, err
		}
		return true, nil

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return false, nil
	}
}

// newlyActive reports whether this update flipped the subscription into
// the active state. Renewal updates arrive already active and are skipped.
func newlyActive(sub SubscriptionEvent, previous map[string]interface{}) bool {
	if sub.Status != string(stripelib.SubscriptionStatusActive) {
		return false
	}
	prev, ok := previous["status"].(string)
	if !ok {
		return false
	}
	return prev != string(stripelib.SubscriptionStatusActive)
}

func eventKey(eventID string) string {
	return "event:" + eventID
}

// SubscriptionEvent is a minimal representation of a Stripe subscription
// carried in a webhook payload.
type SubscriptionEvent struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Items    struct {
		Data []struct {
			Price struct {
				ID       string `json:"id"`
				Currency string `json:"currency"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// FirstPriceID returns the price ID from the first subscription item.
func (s *SubscriptionEvent) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// TenantID returns the linked tenant id from the subscription metadata.
func (s *SubscriptionEvent) TenantID() string {
	return tenantIDFromMetadata(s.Metadata)
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("selfserve.stripe: encode webhook response")
	}
}
