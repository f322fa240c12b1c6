// Package webhook ingests provider delivery events and applies them to the
// delivery log.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/deliverylog"
	"github.com/SirClappington/mailq/internal/domain"
	"github.com/SirClappington/mailq/internal/kv"
	"github.com/SirClappington/mailq/internal/metrics"
)

const (
	Path     = "/webhooks/provider"
	dedupTTL = 24 * time.Hour
)

// Event is the subset of the provider event read by the handler.
type Event struct {
	ID         string
	RecordType string
	MessageID  string
	OccurredAt string
}

var statusByRecordType = map[string]domain.Status{
	"delivery":      domain.StatusDelivered,
	"bounce":        domain.StatusFailed,
	"spamcomplaint": domain.StatusFailed,
	"open":          domain.StatusDelivered,
	"click":         domain.StatusDelivered,
}

// StatusFor maps a provider record type to a log status; unknown types map
// to sent.
func StatusFor(recordType string) domain.Status {
	if s, ok := statusByRecordType[strings.ToLower(recordType)]; ok {
		return s
	}
	return domain.StatusSent
}

func field(m map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return strings.TrimSpace(s)
		}
		if v := strings.TrimSpace(string(raw)); v != "null" {
			return v
		}
	}
	return ""
}

func parseEvent(body []byte) (Event, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil || m == nil {
		return Event{}, false
	}
	rt := strings.ToLower(field(m, "RecordType"))
	if rt == "" {
		rt = "unknown"
	}
	return Event{
		ID:         field(m, "ID", "Id"),
		RecordType: rt,
		MessageID:  field(m, "MessageID", "MessageId"),
		OccurredAt: field(m, "ReceivedAt", "OccurredAt"),
	}, true
}

// fingerprint identifies an event for dedup: the provider id when present,
// otherwise its type, message, time and raw body.
func (e Event) fingerprint(body []byte) string {
	if e.ID != "" {
		return e.ID
	}
	return e.RecordType + "|" + e.MessageID + "|" + e.OccurredAt + "|" + string(body)
}

type Handler struct {
	settings config.Provider
	log      *deliverylog.Log
	kv       kv.Store
	logger   *zap.Logger
	Now      func() time.Time
	// OnEvent is called after an event has been applied.
	OnEvent func(e Event, status domain.Status)
}

func NewHandler(settings config.Provider, log *deliverylog.Log, store kv.Store, logger *zap.Logger) *Handler {
	return &Handler{
		settings: settings,
		log:      log,
		kv:       store,
		logger:   logger.Named("webhook"),
		Now:      time.Now,
	}
}

// Mount registers the webhook route on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post(Path, h.ServeHTTP)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	var ge *GateError
	if errors.As(err, &ge) {
		metrics.WebhookRejected.WithLabelValues(ge.Code).Inc()
		writeJSON(w, ge.Status, map[string]any{"ok": false, "code": ge.Code, "message": ge.Message})
		return
	}
	h.logger.Error("webhook processing failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "internal error"})
}

// authorize runs the gate pipeline and returns the raw body with the
// signature replay key it stored, if any.
func (h *Handler) authorize(ctx context.Context, s config.Settings, r *http.Request) ([]byte, string, error) {
	ip := clientIP(r, s.WebhookTrustForwarded)
	if err := h.rateLimit(ctx, s, ip); err != nil {
		return nil, "", err
	}
	if strings.TrimSpace(s.WebhookSecret) == "" {
		return nil, "", reject(http.StatusForbidden, "webhook_disabled", "webhook secret is not configured")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, s.WebhookMaxBodyBytes+1))
	if err != nil {
		return nil, "", reject(http.StatusBadRequest, "invalid_body", "webhook body could not be read")
	}
	if int64(len(body)) > s.WebhookMaxBodyBytes {
		return nil, "", reject(http.StatusRequestEntityTooLarge, "payload_too_large", "webhook payload exceeds allowed size")
	}
	if err := checkSecret(s, r.Header.Get(SecretHeader)); err != nil {
		return nil, "", err
	}
	replayKey, err := h.verifySignature(ctx, s, r, body)
	if err != nil {
		return nil, "", err
	}
	if !allowed(s.WebhookAllowlist, ip) {
		return nil, "", reject(http.StatusForbidden, "ip_not_allowed", "source address is not allowlisted")
	}
	return body, replayKey, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := h.settings.Settings(ctx)
	if err != nil {
		h.fail(w, err)
		return
	}
	body, replayKey, err := h.authorize(ctx, s, r)
	if err != nil {
		h.fail(w, err)
		return
	}

	ev, ok := parseEvent(body)
	if !ok {
		h.fail(w, reject(http.StatusBadRequest, "invalid_json", "invalid JSON payload"))
		return
	}
	dedupKey := kv.HashedKey("webhook-evt", ev.fingerprint(body))
	fresh, err := h.kv.SetNX(ctx, dedupKey, "1", dedupTTL)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !fresh {
		metrics.WebhookEvents.WithLabelValues(recordLabel(ev.RecordType), "duplicate").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "duplicate": true})
		return
	}

	status := StatusFor(ev.RecordType)
	result := "unmatched"
	if ev.MessageID != "" {
		errMsg := ""
		if status == domain.StatusFailed {
			errMsg = "webhook event: " + ev.RecordType
		}
		found, err := h.log.UpdateByProviderMessageID(ctx, s, ev.MessageID, deliverylog.Change{
			Status:           status,
			WebhookEventType: deliverylog.Ptr(ev.RecordType),
			ResponseBody:     deliverylog.Ptr(string(body)),
			ErrorMessage:     deliverylog.Ptr(errMsg),
			ForcePayload:     true,
		})
		if err != nil {
			h.forget(ctx, dedupKey, replayKey)
			h.fail(w, err)
			return
		}
		if found {
			result = "applied"
		}
	}
	metrics.WebhookEvents.WithLabelValues(recordLabel(ev.RecordType), result).Inc()
	h.logger.Debug("webhook event",
		zap.String("record_type", ev.RecordType),
		zap.String("message_id", ev.MessageID),
		zap.String("status", string(status)),
		zap.String("result", result))
	if h.OnEvent != nil {
		h.OnEvent(ev, status)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// forget drops the markers of an event that was not applied so the
// provider's retry is processed instead of being reported as a duplicate.
func (h *Handler) forget(ctx context.Context, keys ...string) {
	ctx = context.WithoutCancel(ctx)
	for _, k := range keys {
		if k == "" {
			continue
		}
		if err := h.kv.Delete(ctx, k); err != nil {
			h.logger.Warn("webhook marker not released", zap.Error(err))
		}
	}
}

func recordLabel(rt string) string {
	if _, ok := statusByRecordType[rt]; ok {
		return rt
	}
	return "other"
}
