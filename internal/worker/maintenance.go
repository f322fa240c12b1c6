package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/deliverylog"
	"github.com/SirClappington/mailq/internal/kv"
	"github.com/SirClappington/mailq/internal/metrics"
	"github.com/SirClappington/mailq/internal/queue"
)

const (
	AlertFailureRate  = "failure_rate"
	AlertQueueBacklog = "queue_backlog"

	DefaultFailureRateThreshold = 10.0
	DefaultBacklogThreshold     = 100
	DefaultAlertCooldown        = time.Hour
)

// Alert is a threshold breach found by CheckThresholds.
type Alert struct {
	Type      string  `json:"type"`
	Threshold float64 `json:"threshold"`
	Value     float64 `json:"value"`
	// Emitted is false when the alert type is still cooling down.
	Emitted bool `json:"emitted"`
}

type AlertFunc func(Alert)

// Maintenance runs the periodic housekeeping jobs: retention purge and
// threshold alerts.
type Maintenance struct {
	settings config.Provider
	log      *deliverylog.Log
	queue    queue.Repository
	kv       kv.Store
	logger   *zap.Logger

	FailureRateThreshold float64
	BacklogThreshold     int64
	Cooldown             time.Duration
	OnAlert              AlertFunc
	Now                  func() time.Time
}

func NewMaintenance(settings config.Provider, log *deliverylog.Log, q queue.Repository, store kv.Store, logger *zap.Logger) *Maintenance {
	return &Maintenance{
		settings:             settings,
		log:                  log,
		queue:                q,
		kv:                   store,
		logger:               logger.Named("maintenance"),
		FailureRateThreshold: DefaultFailureRateThreshold,
		BacklogThreshold:     DefaultBacklogThreshold,
		Cooldown:             DefaultAlertCooldown,
		Now:                  time.Now,
	}
}

// PurgeExpired deletes log entries older than the retention window. It does
// nothing while retention is off.
func (m *Maintenance) PurgeExpired(ctx context.Context) (int64, error) {
	s, err := m.settings.Settings(ctx)
	if err != nil {
		return 0, err
	}
	if !s.Retention {
		return 0, nil
	}
	n, err := m.log.PurgeOlderThan(ctx, s.RetentionDays)
	if err != nil {
		return 0, fmt.Errorf("purge logs: %w", err)
	}
	metrics.LogsPurged.Add(float64(n))
	m.logger.Info("retention purge finished", zap.Int64("deleted", n), zap.Int("retention_days", s.RetentionDays))
	return n, nil
}

// CheckThresholds evaluates the failure rate and queue backlog. Each breach
// is returned; it is emitted at most once per cooldown and type.
func (m *Maintenance) CheckThresholds(ctx context.Context) ([]Alert, error) {
	stats, err := m.log.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}
	backlog, err := m.queue.CountBacklog(ctx)
	if err != nil {
		return nil, fmt.Errorf("count backlog: %w", err)
	}
	metrics.QueueBacklog.Set(float64(backlog))

	var alerts []Alert
	if m.FailureRateThreshold > 0 && stats.FailureRate24h >= m.FailureRateThreshold {
		alerts = append(alerts, Alert{Type: AlertFailureRate, Threshold: m.FailureRateThreshold, Value: stats.FailureRate24h})
	}
	if threshold := max(m.BacklogThreshold, 1); backlog >= threshold {
		alerts = append(alerts, Alert{Type: AlertQueueBacklog, Threshold: float64(threshold), Value: float64(backlog)})
	}

	for i := range alerts {
		a := &alerts[i]
		key := kv.Key("alert", a.Type)
		ok, err := m.kv.SetNX(ctx, key, strconv.FormatInt(m.Now().Unix(), 10), max(m.Cooldown, time.Minute))
		if err != nil {
			return alerts, fmt.Errorf("alert cooldown: %w", err)
		}
		if !ok {
			continue
		}
		a.Emitted = true
		metrics.Alerts.WithLabelValues(a.Type).Inc()
		m.logger.Warn("threshold breached",
			zap.String("type", a.Type),
			zap.Float64("threshold", a.Threshold),
			zap.Float64("value", a.Value),
			zap.Int64("queue_backlog", backlog),
			zap.Int64("failures_24h", stats.Failures24h),
			zap.Int64("total_24h", stats.Last24h))
		if m.OnAlert != nil {
			m.OnAlert(*a)
		}
	}
	return alerts, nil
}
