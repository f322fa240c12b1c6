package admin

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/SirClappington/mailq/internal/domain"
)

const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

var csvHeader = []string{
	"id", "created_at", "status", "delivery_mode", "recipients", "subject",
	"provider_message_id", "http_status", "attempt_count", "last_error_code",
	"error_message", "webhook_event_type",
}

func csvRow(e domain.LogEntry) []string {
	return []string{
		strconv.FormatInt(e.ID, 10),
		e.CreatedAt.UTC().Format(time.RFC3339),
		string(e.Status),
		string(e.DeliveryMode),
		strings.Join(e.Recipients, ", "),
		e.Subject,
		e.ProviderMessageID,
		strconv.Itoa(e.HTTPStatus),
		strconv.Itoa(e.AttemptCount),
		e.LastErrorCode,
		e.ErrorMessage,
		e.WebhookEventType,
	}
}

// WriteExport writes entries as csv or json.
func WriteExport(w io.Writer, format string, entries []domain.LogEntry) error {
	switch format {
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write(csvRow(e)); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	case FormatJSON, "":
		if entries == nil {
			entries = []domain.LogEntry{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	return fmt.Errorf("unsupported export format %q", format)
}
