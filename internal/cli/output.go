package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SirClappington/mailq/internal/admin"
	"github.com/SirClappington/mailq/internal/domain"
	"github.com/SirClappington/mailq/internal/worker"
)

type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	FormatCSV   Format = "csv"
)

// structured reports whether f is rendered by writeObject.
func (f Format) structured() bool { return f == FormatJSON || f == FormatYAML }

func writeObject(w io.Writer, format Format, obj any) error {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(obj, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case FormatYAML:
		// round trip through JSON so the json tags name the keys
		raw, err := json.Marshal(obj)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		data, err := yaml.Marshal(generic)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(w, string(data))
		return err
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func writeQueueStatus(w io.Writer, st admin.QueueStatus) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "BACKEND\t%s\n", st.Backend)
	_, _ = fmt.Fprintf(tw, "BACKLOG\t%d\n", st.Backlog)
	_, _ = fmt.Fprintf(tw, "OLDEST_AGE\t%s\n", time.Duration(st.OldestAgeSeconds)*time.Second)
	_, _ = fmt.Fprintf(tw, "NEXT_DUE\t%s\n", formatTimePtr(st.NextDue))
	_, _ = fmt.Fprintf(tw, "NEXT_RUN\t%s\n", formatTimePtr(st.NextRun))
	_ = tw.Flush()
}

func writeReport(w io.Writer, rep worker.Report) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROCESSED\tSENT\tRETRIED\tDEAD_LETTERED\tHIT_BUDGET\tSKIPPED")
	_, _ = fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%t\t%t\n", rep.Processed, rep.Sent, rep.Retried, rep.DeadLettered, rep.HitBudget, rep.Skipped)
	_ = tw.Flush()
}

func writeLogTable(w io.Writer, entries []domain.LogEntry) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tCREATED\tSTATUS\tMODE\tATTEMPTS\tRECIPIENTS\tSUBJECT\tERROR")
	for _, e := range entries {
		errCode := e.LastErrorCode
		if errCode == "" {
			errCode = "-"
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			e.ID, formatTime(e.CreatedAt), e.Status, e.DeliveryMode, e.AttemptCount,
			strings.Join(e.Recipients, ","), e.Subject, errCode)
	}
	_ = tw.Flush()
}

func writeHealth(w io.Writer, h admin.Health) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	state := "ok"
	if !h.OK {
		state = "degraded"
	}
	_, _ = fmt.Fprintf(tw, "STATUS\t%s\n", state)
	_, _ = fmt.Fprintf(tw, "BACKEND\t%s\n", h.Queue.Backend)
	_, _ = fmt.Fprintf(tw, "BACKLOG\t%d\n", h.Queue.Backlog)
	_, _ = fmt.Fprintf(tw, "SCHEMA\t%d/%d\n", h.SchemaVersion, h.SchemaExpected)
	_, _ = fmt.Fprintf(tw, "DEAD_LETTERS\t%d\n", h.DeadLetters)
	_, _ = fmt.Fprintf(tw, "FAILED\t%d\n", h.Failed)
	_, _ = fmt.Fprintf(tw, "LAST_API_OUTAGE\t%s\n", formatTimePtr(h.LastOutage))
	for _, p := range h.Problems {
		_, _ = fmt.Fprintf(tw, "PROBLEM\t%s\n", p)
	}
	_ = tw.Flush()
}

func writeStats(w io.Writer, st admin.StatsReport) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "TOTAL\t%d\n", st.Total)
	for _, s := range []domain.Status{
		domain.StatusQueued, domain.StatusProcessing, domain.StatusRetrying, domain.StatusSent,
		domain.StatusDelivered, domain.StatusFailed, domain.StatusBypassed, domain.StatusDeadLetter,
	} {
		_, _ = fmt.Fprintf(tw, "%s\t%d\n", strings.ToUpper(string(s)), st.ByStatus[s])
	}
	_, _ = fmt.Fprintf(tw, "LAST_24H\t%d\n", st.Last24h)
	_, _ = fmt.Fprintf(tw, "FAILURE_RATE_24H\t%.2f%%\n", st.FailureRate24h)
	_, _ = fmt.Fprintf(tw, "FAILURE_TREND\t%+.2f\n", st.FailureTrend)
	for _, ec := range st.RetryErrors {
		_, _ = fmt.Fprintf(tw, "RETRY_ERROR\t%s (%d)\n", ec.Code, ec.Total)
	}
	_, _ = fmt.Fprintf(tw, "QUEUE_BACKLOG\t%d\n", st.Queue.Backlog)
	_, _ = fmt.Fprintf(tw, "LAST_SENT\t%s\n", formatTimePtr(st.LastSentAt))
	_, _ = fmt.Fprintf(tw, "LAST_API_OUTAGE\t%s\n", formatTimePtr(st.LastOutage))
	_ = tw.Flush()
}

func writeSummary(w io.Writer, sum admin.RetrySummary) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "ATTEMPTED\t%d\n", sum.Attempted)
	for outcome, n := range sum.Outcomes {
		_, _ = fmt.Fprintf(tw, "%s\t%d\n", strings.ToUpper(outcome), n)
	}
	for id, msg := range sum.Errors {
		_, _ = fmt.Fprintf(tw, "ERROR\tlog %d: %s\n", id, msg)
	}
	_ = tw.Flush()
}
