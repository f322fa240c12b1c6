// Package mailer turns host send requests into provider payloads and routes
// them to an immediate send or the delivery queue.
package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/deliverylog"
	"github.com/SirClappington/mailq/internal/domain"
	"github.com/SirClappington/mailq/internal/metrics"
	"github.com/SirClappington/mailq/internal/provider"
	"github.com/SirClappington/mailq/internal/queue"
)

// EnqueueRunDelay is how soon a queue run is requested after an enqueue.
const EnqueueRunDelay = 10 * time.Second

type Outcome string

const (
	// NotHandled tells the host to deliver the message its own way.
	NotHandled Outcome = "not_handled"
	Sent       Outcome = "sent"
	Queued     Outcome = "queued"
	// Fallback means a provider outage sent the message down the native path.
	Fallback Outcome = "fallback"
	Failed   Outcome = "failed"
)

type Result struct {
	Outcome Outcome `json:"status"`
	LogID   int64   `json:"log_id"`
	Err     error   `json:"-"`
}

// OK reports whether the message was accepted for delivery.
func (r Result) OK() bool { return r.Outcome == Sent || r.Outcome == Queued || r.Outcome == Fallback }

// BypassFunc short-circuits delivery when it returns true.
type BypassFunc func(m Message, s config.Settings) bool

type Interceptor struct {
	log       *deliverylog.Log
	queue     queue.Repository
	scheduler queue.Scheduler
	client    provider.Sender
	native    NativeSender
	bypass    BypassFunc
	rec       *Recorder
	logger    *zap.Logger
	Now       func() time.Time
}

type Option func(*Interceptor)

func WithBypass(fn BypassFunc) Option { return func(i *Interceptor) { i.bypass = fn } }

func WithNative(n NativeSender) Option { return func(i *Interceptor) { i.native = n } }

func NewInterceptor(log *deliverylog.Log, q queue.Repository, sched queue.Scheduler, client provider.Sender, rec *Recorder, logger *zap.Logger, opts ...Option) *Interceptor {
	i := &Interceptor{
		log:       log,
		queue:     q,
		scheduler: sched,
		client:    client,
		rec:       rec,
		logger:    logger.Named("interceptor"),
		Now:       time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

func (i *Interceptor) insert(ctx context.Context, s config.Settings, e *domain.LogEntry) int64 {
	id, err := i.log.Insert(ctx, s, e)
	if err != nil {
		i.logger.Error("failed to insert delivery log", zap.Error(err))
		return 0
	}
	return id
}

func initialState(mode domain.DeliveryMode) (domain.Status, int) {
	if mode == domain.ModeQueue {
		return domain.StatusQueued, 0
	}
	return domain.StatusProcessing, 1
}

// Send delivers m according to s. It never returns an error to the host:
// every failure is written to the delivery log and reported as Failed.
func (i *Interceptor) Send(ctx context.Context, s config.Settings, m Message) Result {
	if !s.Active() {
		return Result{Outcome: NotHandled}
	}
	mode := s.Mode()
	now := i.Now()

	if i.bypass != nil && i.bypass(m, s) {
		e, _ := domain.NewLogEntry(m.To, m.Subject, domain.StatusBypassed, mode, now)
		e.ErrorMessage = "message bypassed by policy"
		i.fillDetail(e, m)
		id := i.insert(ctx, s, e)
		metrics.MailBypassed.WithLabelValues("policy").Inc()
		return Result{Outcome: NotHandled, LogID: id}
	}

	status, attempt := initialState(mode)
	e, _ := domain.NewLogEntry(m.To, m.Subject, status, mode, now)
	e.AttemptCount = attempt
	i.fillDetail(e, m)
	logID := i.insert(ctx, s, e)

	email, err := Build(s, m)
	if err != nil {
		i.rec.Failed(ctx, s, logID, err, nil, 1, mode, domain.StatusFailed)
		return Result{Outcome: Failed, LogID: logID, Err: err}
	}
	payload, err := json.Marshal(email)
	if err != nil {
		i.rec.Failed(ctx, s, logID, err, nil, 1, mode, domain.StatusFailed)
		return Result{Outcome: Failed, LogID: logID, Err: err}
	}

	if mode == domain.ModeQueue {
		if err := i.Enqueue(ctx, payload, logID); err != nil {
			i.rec.Failed(ctx, s, logID, err, payload, 1, mode, domain.StatusFailed)
			return Result{Outcome: Failed, LogID: logID, Err: err}
		}
		return Result{Outcome: Queued, LogID: logID}
	}
	return i.sendNow(ctx, s, logID, email, payload)
}

func (i *Interceptor) fillDetail(e *domain.LogEntry, m Message) {
	e.Message = m.Body
	e.Headers = m.Headers
	e.Attachments = m.Attachments
}

func (i *Interceptor) sendNow(ctx context.Context, s config.Settings, logID int64, email *provider.Email, payload []byte) Result {
	res, err := i.client.Send(ctx, s.ProviderToken, payload)
	if err != nil {
		if s.FallbackToNative && provider.IsRetryable(err) {
			i.rec.Fallback(ctx, s, logID, err, payload)
			if i.native == nil {
				return Result{Outcome: NotHandled, LogID: logID, Err: err}
			}
			if nerr := i.native.SendEmail(ctx, email); nerr != nil {
				i.logger.Error("native fallback failed", zap.Int64("log_id", logID), zap.Error(nerr))
				return Result{Outcome: Failed, LogID: logID, Err: errors.Join(err, nerr)}
			}
			return Result{Outcome: Fallback, LogID: logID}
		}
		i.rec.Failed(ctx, s, logID, err, payload, 1, domain.ModeImmediate, domain.StatusFailed)
		return Result{Outcome: Failed, LogID: logID, Err: err}
	}
	i.rec.Sent(ctx, s, logID, res, payload, 1, domain.ModeImmediate)
	return Result{Outcome: Sent, LogID: logID}
}

// Enqueue stores payload as a job due now and requests a queue run.
func (i *Interceptor) Enqueue(ctx context.Context, payload []byte, logID int64) error {
	now := i.Now()
	if _, err := i.queue.Enqueue(ctx, payload, logID, now); err != nil {
		return err
	}
	metrics.MailQueued.Inc()
	if i.scheduler != nil {
		if err := i.scheduler.ScheduleAt(ctx, now.Add(EnqueueRunDelay)); err != nil {
			i.logger.Warn("failed to schedule queue run", zap.Error(err))
		}
	}
	return nil
}

// Resend delivers a stored provider payload again. modeOverride may be
// empty to use the configured mode.
func (i *Interceptor) Resend(ctx context.Context, s config.Settings, payload json.RawMessage, modeOverride string) (Result, error) {
	if !s.Active() {
		return Result{}, invalid(CodeNotConfigured, "delivery is not enabled or the provider token is missing")
	}
	var email provider.Email
	if err := json.Unmarshal(payload, &email); err != nil || strings.TrimSpace(email.To) == "" {
		return Result{}, invalid(CodeInvalidPayload, "saved payload is missing required recipient fields")
	}
	mode := domain.ParseDeliveryMode(modeOverride, s.Mode())

	status, attempt := initialState(mode)
	e, _ := domain.NewLogEntry(strings.Split(strings.ReplaceAll(email.To, ";", ","), ","), email.Subject, status, mode, i.Now())
	e.AttemptCount = attempt
	if email.HtmlBody != "" {
		e.Message = email.HtmlBody
		e.Headers = []string{"Content-Type: text/html; charset=UTF-8"}
	} else {
		e.Message = email.TextBody
	}
	logID := i.insert(ctx, s, e)

	if mode == domain.ModeQueue {
		if err := i.Enqueue(ctx, payload, logID); err != nil {
			return Result{LogID: logID}, err
		}
		return Result{Outcome: Queued, LogID: logID}, nil
	}
	r := i.sendNow(ctx, s, logID, &email, payload)
	switch r.Outcome {
	case Failed:
		return r, r.Err
	case NotHandled:
		// no host mail call to hand back to; the entry is already bypassed
		r.Outcome = Fallback
	}
	return r, nil
}
