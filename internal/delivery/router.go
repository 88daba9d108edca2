package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"msisdn-gateway/internal/config"
	"msisdn-gateway/internal/errs"
	"msisdn-gateway/internal/model"
	"msisdn-gateway/internal/util"
)

// AttemptRecorder receives every provider call. Implementations must not
// block the send path.
type AttemptRecorder interface {
	Record(ctx context.Context, a model.DeliveryAttempt)
}

// NumberMap picks sender numbers by mobile country and network code.
type NumberMap interface {
	MtSenderFor(ctx context.Context, mcc, mnc string) (string, error)
	MoVerifierFor(ctx context.Context, mcc, mnc string) (string, error)
}

type RouterOptions struct {
	Tries    int
	Timeout  time.Duration
	Metrics  *Metrics
	Recorder AttemptRecorder
}

type Router struct {
	registry *ProviderRegistry
	numbers  NumberMap
	tries    int
	timeout  time.Duration
	metrics  *Metrics
	recorder AttemptRecorder
}

func NewRouter(registry *ProviderRegistry, numbers NumberMap, opts RouterOptions) *Router {
	if opts.Tries <= 0 {
		opts.Tries = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Router{
		registry: registry,
		numbers:  numbers,
		tries:    opts.Tries,
		timeout:  opts.Timeout,
		metrics:  opts.Metrics,
		recorder: opts.Recorder,
	}
}

// RouterOptionsFrom maps the sms configuration section.
func RouterOptionsFrom(cfg config.SMSConfig) RouterOptions {
	return RouterOptions{Tries: cfg.SendTries, Timeout: cfg.ProviderTimeout}
}

func (r *Router) Numbers() NumberMap { return r.numbers }

// Send resolves the sender for mcc/mnc and delivers message to msisdn.
func (r *Router) Send(ctx context.Context, mcc, mnc, msisdn, message string) (*model.Delivery, error) {
	sender, err := r.numbers.MtSenderFor(ctx, mcc, mnc)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mt sender: %w", err)
	}
	return r.SendFrom(ctx, Route{MCC: mcc, MNC: mnc, Sender: sender}, msisdn, message)
}

// Route is a resolved sender plus the network it was resolved for.
type Route struct {
	MCC    string
	MNC    string
	Sender string
}

// SendFrom tries the head provider, demoting it on failure, until one
// accepts or the configured number of tries is spent. Within one send a
// provider that already failed is only retried once every other provider
// has failed too.
func (r *Router) SendFrom(ctx context.Context, route Route, msisdn, message string) (*model.Delivery, error) {
	var lastErr error
	failed := make(map[string]bool, r.tries)
	for attempt := 1; attempt <= r.tries; attempt++ {
		p := r.registry.Next(failed)
		if p == nil {
			return nil, errs.ErrNoProviders
		}

		d, err := r.attempt(ctx, p, attempt, route, msisdn, message)
		if err == nil {
			return d, nil
		}
		lastErr = err
		failed[p.Name()] = true
		util.Warn("SMS provider failed",
			zap.String("provider", p.Name()),
			zap.Int("attempt", attempt),
			util.Msisdn(msisdn),
			zap.Error(err))
		r.registry.Demote(p)

		if ctx.Err() != nil {
			break
		}
	}

	r.metrics.exhausted()
	return nil, fmt.Errorf("%w after %d attempts: %w", errs.ErrAllProvidersFailed, r.tries, lastErr)
}

func (r *Router) attempt(ctx context.Context, p Provider, n int, route Route, msisdn, message string) (*model.Delivery, error) {
	actx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	d, err := p.SendSMS(actx, route.Sender, msisdn, message)
	elapsed := time.Since(start)

	r.metrics.observe(p.Name(), err == nil, elapsed.Seconds())
	if r.recorder != nil {
		a := model.DeliveryAttempt{
			ID:        uuid.NewString(),
			Provider:  p.Name(),
			Sender:    route.Sender,
			MCC:       route.MCC,
			MNC:       route.MNC,
			Attempt:   n,
			Success:   err == nil,
			Duration:  elapsed,
			Timestamp: start.UTC(),
		}
		if err != nil {
			a.Error = err.Error()
		}
		r.recorder.Record(ctx, a)
	}

	if err != nil {
		return nil, err
	}
	if d == nil {
		d = &model.Delivery{}
	}
	if d.Provider == "" {
		d.Provider = p.Name()
	}
	if d.Sender == "" {
		d.Sender = route.Sender
	}
	return d, nil
}
