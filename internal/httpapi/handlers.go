package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/admin"
	"github.com/SirClappington/mailq/internal/mailer"
)

const (
	defaultExportLimit = 1000
	maxExportLimit     = 10000
)

func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

type sendResponse struct {
	mailer.Result
	Error string `json:"error,omitempty"`
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var m mailer.Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be a JSON message")
		return
	}
	res, err := s.svc.Send(r.Context(), m)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := sendResponse{Result: res}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) resend(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "logID"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid_id", "log id must be a positive number")
		return
	}
	var o mailer.Overrides
	if err := decode(r, &o); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	res, err := s.svc.Resend(r.Context(), id, o)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive number", name)
	}
	return n, nil
}

func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	sum, err := s.svc.RetryFailed(r.Context(), limit, r.URL.Query().Get("mode"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	rep, err := s.svc.Stats(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := s.svc.Health(r.Context())
	status := http.StatusOK
	if !h.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.QueueStatus(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) queueRun(w http.ResponseWriter, r *http.Request) {
	rep, err := s.svc.RunQueue(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) queuePurge(w http.ResponseWriter, r *http.Request) {
	olderThan, err := time.ParseDuration(r.URL.Query().Get("older_than"))
	if err != nil || olderThan < 0 {
		writeError(w, http.StatusBadRequest, "invalid_older_than", "older_than must be a duration such as 72h")
		return
	}
	n, err := s.svc.PurgeQueue(r.Context(), olderThan)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	f, err := admin.FilterFromValues(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	page, err := s.svc.Log().Query(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) purgeLogs(w http.ResponseWriter, r *http.Request) {
	f, err := admin.FilterFromValues(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	n, err := s.svc.PurgeLogs(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) exportLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := admin.FilterFromValues(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	limit, err := intParam(r, "limit", defaultExportLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	format := q.Get("format")
	if format == "" {
		format = admin.FormatCSV
	}
	if format != admin.FormatCSV && format != admin.FormatJSON {
		writeError(w, http.StatusBadRequest, "invalid_format", "format must be csv or json")
		return
	}
	entries, err := s.svc.Log().Export(r.Context(), f, min(limit, maxExportLimit))
	if err != nil {
		s.fail(w, err)
		return
	}
	contentType := "text/csv; charset=utf-8"
	if format == admin.FormatJSON {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="mailq-logs.%s"`, format))
	if err := admin.WriteExport(w, format, entries); err != nil {
		s.logger.Warn("export write failed", zap.Error(err))
	}
}

type bulkRequest struct {
	Action string  `json:"action"`
	IDs    []int64 `json:"ids"`
	Mode   string  `json:"mode"`
}

func (s *Server) bulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "missing_ids", "select at least one log entry")
		return
	}
	ctx := r.Context()
	switch req.Action {
	case "retry":
		sum, err := s.svc.RetryByIDs(ctx, req.IDs, req.Mode)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	case "export":
		entries, err := s.svc.ExportByIDs(ctx, req.IDs)
		if err != nil {
			s.fail(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = admin.WriteExport(w, admin.FormatJSON, entries)
	case "delete":
		n, err := s.svc.DeleteByIDs(ctx, req.IDs)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
	default:
		writeError(w, http.StatusBadRequest, "invalid_action", "action must be retry, export or delete")
	}
}
