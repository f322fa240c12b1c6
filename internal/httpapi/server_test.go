package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/admin"
	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/deliverylog"
	"github.com/SirClappington/mailq/internal/kv"
	"github.com/SirClappington/mailq/internal/mailer"
	"github.com/SirClappington/mailq/internal/provider"
	"github.com/SirClappington/mailq/internal/queue"
	"github.com/SirClappington/mailq/internal/ratelimit"
	"github.com/SirClappington/mailq/internal/webhook"
	"github.com/SirClappington/mailq/internal/worker"
)

const token = "admin-token"

type okSender struct{}

func (okSender) Send(context.Context, string, []byte) (*provider.Result, error) {
	return &provider.Result{StatusCode: 200, MessageID: "pm-1", Body: "{}"}, nil
}

func newTestServer(t *testing.T, adminToken string, limiter *ratelimit.IPRateLimiter) http.Handler {
	t.Helper()
	s := config.DefaultSettings()
	s.ProviderToken = "tok"
	s.FromEmail = "noreply@example.com"
	s.LogDetailMode = config.DetailFull
	settings := config.Static(s)

	log := deliverylog.New(deliverylog.NewMemoryStore(), zap.NewNop())
	q := queue.NewMemory()
	sched := queue.NewMemoryScheduler()
	store := kv.NewMemory()
	rec := mailer.NewRecorder(log, store, zap.NewNop())
	ic := mailer.NewInterceptor(log, q, sched, okSender{}, rec, zap.NewNop())
	w := worker.New(settings, q, sched, okSender{}, rec, store, zap.NewNop())
	svc := admin.New(settings, log, q, sched, ic, w, store, zap.NewNop())
	hook := webhook.NewHandler(settings, log, store, zap.NewNop())
	return New(svc, hook, limiter, adminToken, zap.NewNop()).Routes()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const welcome = `{"to":["user@example.com"],"subject":"Welcome","body":"Hello"}`

func TestUnauthenticatedRoutes(t *testing.T) {
	h := newTestServer(t, token, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, webhook.Path, strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "webhook_disabled", decodeBody(t, rec)["code"])
}

func TestBearerAuth(t *testing.T) {
	h := newTestServer(t, token, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(welcome))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	disabled := newTestServer(t, "", nil)
	rec = do(t, disabled, http.MethodGet, "/admin/stats", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSendAndListLogs(t *testing.T) {
	h := newTestServer(t, token, nil)

	rec := do(t, h, http.MethodPost, "/v1/messages", welcome)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "sent", body["status"])
	assert.EqualValues(t, 1, body["log_id"])

	rec = do(t, h, http.MethodGet, "/admin/logs?status=sent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page deliverylog.Page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, int64(1), page.Total)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "Welcome", page.Entries[0].Subject)

	rec = do(t, h, http.MethodGet, "/admin/logs?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/messages", "not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendValidationFailureIsReported(t *testing.T) {
	h := newTestServer(t, token, nil)
	rec := do(t, h, http.MethodPost, "/v1/messages", `{"to":[],"subject":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "failed", body["status"])
	assert.Contains(t, body["error"], mailer.CodeMissingRecipient)
}

func TestResend(t *testing.T) {
	h := newTestServer(t, token, nil)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/messages", welcome).Code)

	rec := do(t, h, http.MethodPost, "/admin/resend/1", `{"subject":"Again"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sent", decodeBody(t, rec)["status"])

	rec = do(t, h, http.MethodPost, "/admin/resend/1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/admin/resend/99", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/admin/resend/abc", "").Code)

	rec = do(t, h, http.MethodPost, "/admin/resend/1", `{"to":"not-an-address"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, mailer.CodeInvalidOverride, decodeBody(t, rec)["code"])
}

func TestLogMaintenanceRoutes(t *testing.T) {
	h := newTestServer(t, token, nil)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/messages", welcome).Code)
	}

	rec := do(t, h, http.MethodGet, "/admin/logs/export?format=csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "id,created_at,status"))

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/admin/logs/export?format=xml", "").Code)

	rec = do(t, h, http.MethodPost, "/admin/logs/bulk", `{"action":"export","ids":[1,2]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var exported []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exported))
	assert.Len(t, exported, 2)

	rec = do(t, h, http.MethodPost, "/admin/logs/bulk", `{"action":"delete","ids":[1]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["deleted"])

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/admin/logs/bulk", `{"action":"explode","ids":[2]}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/admin/logs/bulk", `{"action":"delete"}`).Code)

	rec = do(t, h, http.MethodDelete, "/admin/logs", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "empty_filter", decodeBody(t, rec)["code"])

	rec = do(t, h, http.MethodDelete, "/admin/logs?status=sent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decodeBody(t, rec)["deleted"])
}

func TestQueueRoutes(t *testing.T) {
	h := newTestServer(t, token, nil)

	rec := do(t, h, http.MethodGet, "/admin/queue/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "memory", body["backend"])
	assert.EqualValues(t, 0, body["backlog"])

	rec = do(t, h, http.MethodPost, "/admin/queue/run", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decodeBody(t, rec)["processed"])

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodDelete, "/admin/queue?older_than=soon", "").Code)
	rec = do(t, h, http.MethodDelete, "/admin/queue?older_than=72h", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decodeBody(t, rec)["deleted"])

	rec = do(t, h, http.MethodPost, "/admin/retry-failed?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decodeBody(t, rec)["attempted"])
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/admin/retry-failed?limit=0", "").Code)

	rec = do(t, h, http.MethodGet, "/admin/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["ok"])

	rec = do(t, h, http.MethodGet, "/admin/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decodeBody(t, rec)["total"])
}

func TestAdminRateLimit(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{Rate: 1, Burst: 1, CleanupInterval: time.Minute, MaxAge: time.Minute})
	t.Cleanup(limiter.Stop)
	h := newTestServer(t, token, limiter)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/admin/queue/status", "").Code)
	rec := do(t, h, http.MethodGet, "/admin/queue/status", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}
