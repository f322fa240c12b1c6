package admin

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/SirClappington/mailq/internal/deliverylog"
	"github.com/SirClappington/mailq/internal/domain"
)

const maxPerPage = 200

// FilterFromValues reads log filters from query parameters: status, s,
// date_from, date_to, mode, retry_state, provider_message_id, page and
// per_page. date_to includes the whole day.
func FilterFromValues(v url.Values) (deliverylog.Filter, error) {
	var f deliverylog.Filter
	if raw := v.Get("status"); raw != "" && raw != "all" {
		f.Statuses = deliverylog.ParseStatuses(raw)
		if len(f.Statuses) == 0 {
			return f, fmt.Errorf("unknown status %q", raw)
		}
	}
	f.Search = strings.TrimSpace(v.Get("s"))
	if raw := v.Get("date_from"); raw != "" {
		day, ok := deliverylog.ParseDay(raw)
		if !ok {
			return f, fmt.Errorf("date_from must be YYYY-MM-DD")
		}
		f.DateFrom = day
	}
	if raw := v.Get("date_to"); raw != "" {
		day, ok := deliverylog.ParseDay(raw)
		if !ok {
			return f, fmt.Errorf("date_to must be YYYY-MM-DD")
		}
		f.DateTo = day.Add(24 * time.Hour)
	}
	if raw := v.Get("mode"); raw != "" {
		m := domain.DeliveryMode(raw)
		if !m.Valid() {
			return f, fmt.Errorf("unknown delivery mode %q", raw)
		}
		f.DeliveryMode = m
	}
	f.RetryState = deliverylog.ParseRetryState(v.Get("retry_state"))
	f.ProviderMessageID = strings.TrimSpace(v.Get("provider_message_id"))

	perPage := 20
	if raw := v.Get("per_page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, fmt.Errorf("per_page must be a positive number")
		}
		perPage = min(n, maxPerPage)
	}
	page := 1
	if raw := v.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, fmt.Errorf("page must be a positive number")
		}
		page = n
	}
	f.Limit = perPage
	f.Offset = (page - 1) * perPage
	return f, nil
}

// FilterEmpty reports whether f selects every entry.
func FilterEmpty(f deliverylog.Filter) bool {
	return len(f.Statuses) == 0 && f.Search == "" && f.DateFrom.IsZero() && f.DateTo.IsZero() &&
		f.DeliveryMode == "" && f.RetryState == deliverylog.RetryAny && f.ProviderMessageID == "" &&
		len(f.IDs) == 0
}
