package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/kv"
)

const (
	SecretHeader    = "X-Mailq-Webhook-Secret"
	TimestampHeader = "X-Mailq-Webhook-Timestamp"
	SignatureHeader = "X-Mailq-Webhook-Signature"

	rateBucket = time.Minute
	rateTTL    = 2 * time.Minute
)

// GateError rejects a request before it reaches the delivery log.
type GateError struct {
	Code    string
	Status  int
	Message string
}

func (e *GateError) Error() string { return e.Code + ": " + e.Message }

func reject(status int, code, msg string) *GateError {
	return &GateError{Code: code, Status: status, Message: msg}
}

var hexSignature = regexp.MustCompile(`^[a-f0-9]{64}$`)

// rateLimit counts the request in the per-IP one-minute bucket.
func (h *Handler) rateLimit(ctx context.Context, s config.Settings, ip string) error {
	if s.WebhookRateLimit <= 0 {
		return nil
	}
	bucket := h.Now().Unix() / int64(rateBucket/time.Second)
	n, err := h.kv.Incr(ctx, kv.HashedKey("webhook-rate", ip, strconv.FormatInt(bucket, 10)), rateTTL)
	if err != nil {
		return err
	}
	if n > int64(s.WebhookRateLimit) {
		return reject(http.StatusTooManyRequests, "rate_limited", "webhook rate limit exceeded")
	}
	return nil
}

func checkSecret(s config.Settings, provided string) error {
	if provided == "" || subtle.ConstantTimeCompare([]byte(s.WebhookSecret), []byte(provided)) != 1 {
		return reject(http.StatusForbidden, "auth_failed", "invalid webhook secret")
	}
	return nil
}

func parseTimestamp(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	if strings.Trim(raw, "0123456789") == "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || sec <= 0 {
			return time.Time{}, false
		}
		return time.Unix(sec, 0), true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil || t.Unix() <= 0 {
		return time.Time{}, false
	}
	return t, true
}

// Sign returns the hex signature of body for the given unix timestamp.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature checks the optional HMAC headers. A verified pair is
// remembered for the replay window so it cannot be used twice; the returned
// key is that marker, empty when the request was unsigned.
func (h *Handler) verifySignature(ctx context.Context, s config.Settings, r *http.Request, body []byte) (string, error) {
	tsHeader := strings.TrimSpace(r.Header.Get(TimestampHeader))
	sigHeader := strings.TrimSpace(r.Header.Get(SignatureHeader))
	if tsHeader == "" && sigHeader == "" && !s.WebhookRequireSignature {
		return "", nil
	}
	if tsHeader == "" || sigHeader == "" {
		if s.WebhookRequireSignature {
			return "", reject(http.StatusForbidden, "signature_missing", "webhook signature headers are required")
		}
		return "", nil
	}

	ts, ok := parseTimestamp(tsHeader)
	if !ok {
		return "", reject(http.StatusForbidden, "timestamp_invalid", "webhook timestamp is invalid")
	}
	window := s.WebhookReplayWindow
	if skew := h.Now().Sub(ts); skew > window || skew < -window {
		return "", reject(http.StatusForbidden, "timestamp_out_of_window", "webhook timestamp is outside the allowed window")
	}

	provided := strings.ToLower(sigHeader)
	if rest, ok := strings.CutPrefix(provided, "sha256="); ok {
		provided = rest
	} else {
		provided = strings.TrimPrefix(provided, "v1=")
	}
	if !hexSignature.MatchString(provided) {
		return "", reject(http.StatusForbidden, "signature_invalid", "webhook signature format is invalid")
	}
	expected := Sign(s.WebhookSecret, ts.Unix(), body)
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return "", reject(http.StatusForbidden, "signature_mismatch", "webhook signature verification failed")
	}

	key := kv.HashedKey("webhook-sig", strconv.FormatInt(ts.Unix(), 10), provided)
	fresh, err := h.kv.SetNX(ctx, key, "1", window)
	if err != nil {
		return "", err
	}
	if !fresh {
		return "", reject(http.StatusConflict, "replay_detected", "webhook signature replay detected")
	}
	return key, nil
}
