package admin

import (
	"context"
	"time"

	"github.com/SirClappington/mailq/internal/deliverylog"
	"github.com/SirClappington/mailq/internal/domain"
	"github.com/SirClappington/mailq/internal/mailer"
)

type QueueStatus struct {
	Backend          string     `json:"backend"`
	Backlog          int64      `json:"backlog"`
	OldestAgeSeconds int64      `json:"oldest_age_seconds"`
	NextDue          *time.Time `json:"next_due,omitempty"`
	NextRun          *time.Time `json:"next_scheduled_run,omitempty"`
}

func (s *Service) QueueStatus(ctx context.Context) (QueueStatus, error) {
	st := QueueStatus{Backend: s.Backend}
	var err error
	if st.Backlog, err = s.queue.CountBacklog(ctx); err != nil {
		return st, err
	}
	oldest, ok, err := s.queue.OldestCreated(ctx)
	if err != nil {
		return st, err
	}
	if ok {
		st.OldestAgeSeconds = max(int64(s.Now().Sub(oldest)/time.Second), 0)
	}
	due, ok, err := s.queue.NextDue(ctx)
	if err != nil {
		return st, err
	}
	if ok {
		st.NextDue = &due
	}
	if s.sched != nil {
		next, ok, err := s.sched.Next(ctx)
		if err != nil {
			return st, err
		}
		if ok {
			st.NextRun = &next
		}
	}
	return st, nil
}

// StatsReport combines the log stats with the queue state and the last
// provider outage.
type StatsReport struct {
	deliverylog.Stats
	Queue      QueueStatus `json:"queue"`
	LastOutage *time.Time  `json:"last_api_outage,omitempty"`
}

func (s *Service) Stats(ctx context.Context) (StatsReport, error) {
	st, err := s.log.Stats(ctx)
	if err != nil {
		return StatsReport{}, err
	}
	q, err := s.QueueStatus(ctx)
	if err != nil {
		return StatsReport{}, err
	}
	rep := StatsReport{Stats: st, Queue: q}
	if t, ok := mailer.LastOutage(ctx, s.kv); ok {
		rep.LastOutage = &t
	}
	return rep, nil
}

type Health struct {
	OK             bool        `json:"ok"`
	Queue          QueueStatus `json:"queue"`
	SchemaVersion  int64       `json:"schema_version"`
	SchemaExpected int64       `json:"schema_expected"`
	SchemaOK       bool        `json:"schema_ok"`
	DeadLetters    int64       `json:"dead_letters"`
	Failed         int64       `json:"failed"`
	LastOutage     *time.Time  `json:"last_api_outage,omitempty"`
	Problems       []string    `json:"problems,omitempty"`
}

// Health checks the storage and queue. Storage errors are reported as
// problems, not returned.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{SchemaExpected: s.SchemaExpected, SchemaOK: true}
	q, err := s.QueueStatus(ctx)
	if err != nil {
		h.Problems = append(h.Problems, "queue: "+err.Error())
	}
	h.Queue = q
	if s.Schema != nil {
		v, err := s.Schema.CurrentVersion(ctx)
		switch {
		case err != nil:
			h.SchemaOK = false
			h.Problems = append(h.Problems, "schema: "+err.Error())
		case v < s.SchemaExpected:
			h.SchemaOK = false
			h.Problems = append(h.Problems, "schema: migrations pending")
		}
		h.SchemaVersion = v
	}
	counts, err := s.log.CountByStatus(ctx)
	if err != nil {
		h.Problems = append(h.Problems, "log: "+err.Error())
	}
	h.DeadLetters = counts[domain.StatusDeadLetter]
	h.Failed = counts[domain.StatusFailed]
	if t, ok := mailer.LastOutage(ctx, s.kv); ok {
		h.LastOutage = &t
	}
	h.OK = len(h.Problems) == 0
	return h
}
