package mailer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/deliverylog"
	"github.com/SirClappington/mailq/internal/domain"
	"github.com/SirClappington/mailq/internal/kv"
	"github.com/SirClappington/mailq/internal/metrics"
	"github.com/SirClappington/mailq/internal/provider"
)

var outageKey = kv.Key("last_api_outage")

const outageTTL = 30 * 24 * time.Hour

// Recorder writes delivery outcomes to the log. Log write failures are
// logged and swallowed so a send never fails because of bookkeeping.
type Recorder struct {
	log    *deliverylog.Log
	kv     kv.Store
	logger *zap.Logger
	Now    func() time.Time
}

func NewRecorder(log *deliverylog.Log, store kv.Store, logger *zap.Logger) *Recorder {
	return &Recorder{log: log, kv: store, logger: logger.Named("recorder"), Now: time.Now}
}

func (r *Recorder) update(ctx context.Context, s config.Settings, logID int64, ch deliverylog.Change) {
	if err := r.log.Update(ctx, s, logID, ch); err != nil {
		r.logger.Error("failed to update delivery log", zap.Int64("log_id", logID), zap.Error(err))
	}
}

func errorDetails(err error) (status int, body string) {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe.StatusCode, pe.Body
	}
	return 0, ""
}

// Sent records a provider acceptance.
func (r *Recorder) Sent(ctx context.Context, s config.Settings, logID int64, res *provider.Result, payload []byte, attempt int, mode domain.DeliveryMode) {
	r.update(ctx, s, logID, deliverylog.Change{
		Status:            domain.StatusSent,
		ProviderMessageID: deliverylog.Ptr(res.MessageID),
		HTTPStatus:        deliverylog.Ptr(res.StatusCode),
		RequestPayload:    deliverylog.Ptr(string(payload)),
		ResponseBody:      deliverylog.Ptr(res.Body),
		AttemptCount:      deliverylog.Ptr(attempt),
		ClearNextAttempt:  true,
		LastErrorCode:     deliverylog.Ptr(""),
		DeliveryMode:      mode,
	})
	metrics.MailSent.WithLabelValues(string(mode)).Inc()
}

// Retrying records a released job.
func (r *Recorder) Retrying(ctx context.Context, s config.Settings, logID int64, err error, attempt int, next time.Time) {
	status, _ := errorDetails(err)
	code := provider.ErrorCode(err)
	r.update(ctx, s, logID, deliverylog.Change{
		Status:        domain.StatusRetrying,
		ErrorMessage:  deliverylog.Ptr(err.Error()),
		HTTPStatus:    deliverylog.Ptr(status),
		AttemptCount:  deliverylog.Ptr(attempt),
		NextAttemptAt: &next,
		LastErrorCode: deliverylog.Ptr(code),
		DeliveryMode:  domain.ModeQueue,
	})
	r.MarkOutage(ctx)
	metrics.MailRetries.WithLabelValues(code).Inc()
}

// Failed records a terminal failure with the given failure status.
func (r *Recorder) Failed(ctx context.Context, s config.Settings, logID int64, err error, payload []byte, attempt int, mode domain.DeliveryMode, status domain.Status) {
	httpStatus, body := errorDetails(err)
	code := provider.ErrorCode(err)
	var ve *ValidationError
	if errors.As(err, &ve) {
		code = ve.Code
		metrics.ValidationErrors.WithLabelValues(ve.Code).Inc()
	}
	ch := deliverylog.Change{
		Status:           status,
		ErrorMessage:     deliverylog.Ptr(err.Error()),
		HTTPStatus:       deliverylog.Ptr(httpStatus),
		ResponseBody:     deliverylog.Ptr(body),
		AttemptCount:     deliverylog.Ptr(attempt),
		ClearNextAttempt: true,
		LastErrorCode:    deliverylog.Ptr(code),
		DeliveryMode:     mode,
	}
	if len(payload) > 0 {
		ch.RequestPayload = deliverylog.Ptr(string(payload))
	}
	r.update(ctx, s, logID, ch)
	if ve == nil && provider.IsRetryable(err) {
		r.MarkOutage(ctx)
	}
	if s.Debug {
		r.logger.Warn("mail delivery failed",
			zap.Int64("log_id", logID),
			zap.String("status", string(status)),
			zap.String("code", code),
			zap.Error(err))
	}
	metrics.MailFailed.WithLabelValues(string(mode), string(status)).Inc()
}

// Fallback records that an immediate send was handed to the native path
// after a retryable provider outage.
func (r *Recorder) Fallback(ctx context.Context, s config.Settings, logID int64, err error, payload []byte) {
	httpStatus, body := errorDetails(err)
	r.update(ctx, s, logID, deliverylog.Change{
		Status:           domain.StatusBypassed,
		ErrorMessage:     deliverylog.Ptr(fmt.Sprintf("fell back to native mail: %s", err.Error())),
		HTTPStatus:       deliverylog.Ptr(httpStatus),
		RequestPayload:   deliverylog.Ptr(string(payload)),
		ResponseBody:     deliverylog.Ptr(body),
		AttemptCount:     deliverylog.Ptr(1),
		ClearNextAttempt: true,
		LastErrorCode:    deliverylog.Ptr(provider.ErrorCode(err)),
		DeliveryMode:     domain.ModeImmediate,
	})
	r.MarkOutage(ctx)
	metrics.MailBypassed.WithLabelValues("fallback").Inc()
}

// MarkOutage stamps the time of the latest retryable provider failure.
func (r *Recorder) MarkOutage(ctx context.Context) {
	if r.kv == nil {
		return
	}
	if err := r.kv.Set(ctx, outageKey, r.Now().UTC().Format(time.RFC3339), outageTTL); err != nil {
		r.logger.Warn("failed to record api outage", zap.Error(err))
	}
}

// LastOutage returns the stamped time of the latest provider outage.
func LastOutage(ctx context.Context, store kv.Store) (time.Time, bool) {
	v, ok, err := store.Get(ctx, outageKey)
	if err != nil || !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
