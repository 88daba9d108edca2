// Package delivery sends SMS through a prioritized list of gateways and
// fails over between them.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"msisdn-gateway/internal/config"
	"msisdn-gateway/internal/model"
	"msisdn-gateway/internal/util"
)

// Provider is one outbound SMS gateway.
type Provider interface {
	Name() string
	SendSMS(ctx context.Context, from, to, body string) (*model.Delivery, error)
}

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

var (
	ErrNotConfigured   = errors.New("provider is not configured")
	ErrUnknownProvider = errors.New("unknown provider")
)

// StatusError is returned when a gateway answers with a non-2xx status.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.Status, e.Body)
}

// NewProvider builds the gateway named by cfg.Name.
func NewProvider(cfg config.ProviderConfig, client HTTPDoer) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch strings.ToLower(cfg.Name) {
	case "nexmo":
		p, err = newNexmo(cfg, client)
	case "beepsend":
		p, err = newBeepSend(cfg, client)
	case "twilio":
		p, err = newTwilio(cfg, client)
	case "leonix":
		p, err = newLeonix(cfg, client)
	case "log":
		p = &LogProvider{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Name)
	}
	if err != nil {
		return nil, err
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		p = &rateLimited{Provider: p, limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)}
	}
	return p, nil
}

// BuildProviders instantiates the configured gateways ordered by priority,
// highest first, keeping configuration order between equal priorities.
// Gateways that fail to build are logged and left out.
func BuildProviders(cfgs []config.ProviderConfig, client HTTPDoer) []Provider {
	ordered := make([]config.ProviderConfig, len(cfgs))
	copy(ordered, cfgs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	providers := make([]Provider, 0, len(ordered))
	for _, cfg := range ordered {
		p, err := NewProvider(cfg, client)
		if err != nil {
			util.Warn("Skipping SMS provider", zap.String("provider", cfg.Name), zap.Error(err))
			continue
		}
		providers = append(providers, p)
	}
	return providers
}

type rateLimited struct {
	Provider
	limiter *rate.Limiter
}

func (r *rateLimited) SendSMS(ctx context.Context, from, to, body string) (*model.Delivery, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s rate limit: %w", r.Name(), err)
	}
	return r.Provider.SendSMS(ctx, from, to, body)
}

// do sends req and returns the body of a 2xx response.
func do(client HTTPDoer, name string, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("%s response unreadable: %w", name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Provider: name, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// LogProvider only logs. Development sink.
type LogProvider struct{}

func (*LogProvider) Name() string { return "log" }

func (*LogProvider) SendSMS(_ context.Context, from, to, body string) (*model.Delivery, error) {
	util.Info("SMS sent to log sink",
		zap.String("from", from),
		util.Msisdn(to),
		zap.Int("length", len(body)))
	return &model.Delivery{Provider: "log", Sender: from}, nil
}
