// Package httpapi exposes the host send endpoint, the admin API, the
// provider webhook and the metrics endpoint on one chi router.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/admin"
	"github.com/SirClappington/mailq/internal/deliverylog"
	"github.com/SirClappington/mailq/internal/mailer"
	"github.com/SirClappington/mailq/internal/metrics"
	"github.com/SirClappington/mailq/internal/ratelimit"
	"github.com/SirClappington/mailq/internal/webhook"
)

const maxRequestBody = 1 << 20

type Server struct {
	svc     *admin.Service
	hook    *webhook.Handler
	limiter *ratelimit.IPRateLimiter
	token   string
	logger  *zap.Logger
}

// New builds the API. An empty token disables every authenticated route.
func New(svc *admin.Service, hook *webhook.Handler, limiter *ratelimit.IPRateLimiter, token string, logger *zap.Logger) *Server {
	if limiter != nil && limiter.OnLimited == nil {
		limiter.OnLimited = func(string) { metrics.AdminRateLimited.Inc() }
	}
	return &Server{svc: svc, hook: hook, limiter: limiter, token: token, logger: logger.Named("http")}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Method(http.MethodGet, "/metrics", metrics.MetricsHandler())
	if s.hook != nil {
		s.hook.Mount(r)
	}

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Use(s.authenticate)
		r.Use(middleware.RequestSize(maxRequestBody))

		r.Post("/v1/messages", s.send)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/resend/{logID}", s.resend)
			r.Post("/retry-failed", s.retryFailed)
			r.Get("/stats", s.stats)
			r.Get("/health", s.health)

			r.Route("/queue", func(r chi.Router) {
				r.Get("/status", s.queueStatus)
				r.Post("/run", s.queueRun)
				r.Delete("/", s.queuePurge)
			})
			r.Route("/logs", func(r chi.Router) {
				r.Get("/", s.listLogs)
				r.Delete("/", s.purgeLogs)
				r.Get("/export", s.exportLogs)
				r.Post("/bulk", s.bulk)
			})
		})
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			writeError(w, http.StatusForbidden, "admin_disabled", "ADMIN_TOKEN is not configured")
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "message": msg})
}

// fail maps service errors onto HTTP responses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var ve *mailer.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusUnprocessableEntity, ve.Code, ve.Message)
	case errors.Is(err, deliverylog.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, admin.ErrNoPayload):
		writeError(w, http.StatusConflict, "no_payload", err.Error())
	case errors.Is(err, admin.ErrEmptyFilter):
		writeError(w, http.StatusBadRequest, "empty_filter", err.Error())
	default:
		s.logger.Error("admin request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
