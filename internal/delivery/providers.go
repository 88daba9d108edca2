package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"msisdn-gateway/internal/config"
	"msisdn-gateway/internal/model"
)

// Nexmo sends through the Nexmo/Vonage SMS API with a GET request. Numbers
// go without the leading "+".
type Nexmo struct {
	cfg    config.ProviderConfig
	client HTTPDoer
}

func newNexmo(cfg config.ProviderConfig, client HTTPDoer) (*Nexmo, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("nexmo: %w", ErrNotConfigured)
	}
	return &Nexmo{cfg: cfg, client: client}, nil
}

func (*Nexmo) Name() string { return "nexmo" }

type nexmoResponse struct {
	Messages []struct {
		Status    string `json:"status"`
		MessageID string `json:"message-id"`
		ErrorText string `json:"error-text"`
	} `json:"messages"`
}

func (n *Nexmo) SendSMS(ctx context.Context, from, to, body string) (*model.Delivery, error) {
	q := url.Values{
		"api_key":    {n.cfg.APIKey},
		"api_secret": {n.cfg.APISecret},
		"from":       {strings.Replace(from, "+", "", 1)},
		"to":         {strings.Replace(to, "+", "", 1)},
		"text":       {body},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.cfg.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("nexmo: %w", err)
	}

	raw, err := do(n.client, n.Name(), req)
	if err != nil {
		return nil, err
	}

	d := &model.Delivery{Provider: n.Name(), Sender: from}
	var resp nexmoResponse
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Messages) == 0 {
		return d, nil
	}
	if m := resp.Messages[0]; m.Status != "0" {
		return nil, fmt.Errorf("nexmo rejected message: status %s: %s", m.Status, m.ErrorText)
	}
	d.MessageID = resp.Messages[0].MessageID
	return d, nil
}

// BeepSend posts a form to <endpoint>/<connection id>. Alphanumeric senders
// are configured with a trailing "@" which the API does not accept.
type BeepSend struct {
	cfg    config.ProviderConfig
	client HTTPDoer
}

func newBeepSend(cfg config.ProviderConfig, client HTTPDoer) (*BeepSend, error) {
	if cfg.APIToken == "" || cfg.Endpoint == "" {
		return nil, fmt.Errorf("beepsend: %w", ErrNotConfigured)
	}
	return &BeepSend{cfg: cfg, client: client}, nil
}

func (*BeepSend) Name() string { return "beepsend" }

func (b *BeepSend) SendSMS(ctx context.Context, from, to, body string) (*model.Delivery, error) {
	form := url.Values{
		"to":      {to},
		"message": {body},
		"from":    {strings.TrimRight(from, "@")},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(b.cfg.Endpoint, "/")+"/"+b.cfg.ConnectionID, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("beepsend: %w", err)
	}
	req.Header.Set("Authorization", "Token "+b.cfg.APIToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if _, err := do(b.client, b.Name(), req); err != nil {
		return nil, err
	}
	return &model.Delivery{Provider: b.Name(), Sender: from}, nil
}

// Twilio uses the 2010-04-01 Messages resource with basic auth. The
// configured From number overrides the mapped sender.
type Twilio struct {
	cfg    config.ProviderConfig
	client HTTPDoer
}

func newTwilio(cfg config.ProviderConfig, client HTTPDoer) (*Twilio, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.Endpoint == "" {
		return nil, fmt.Errorf("twilio: %w", ErrNotConfigured)
	}
	return &Twilio{cfg: cfg, client: client}, nil
}

func (*Twilio) Name() string { return "twilio" }

type twilioResponse struct {
	SID string `json:"sid"`
}

func (t *Twilio) SendSMS(ctx context.Context, from, to, body string) (*model.Delivery, error) {
	if t.cfg.From != "" {
		from = t.cfg.From
	}
	form := url.Values{"To": {to}, "From": {from}, "Body": {body}}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(t.cfg.Endpoint, "/"), url.PathEscape(t.cfg.AccountSID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("twilio: %w", err)
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	raw, err := do(t.client, t.Name(), req)
	if err != nil {
		return nil, err
	}
	d := &model.Delivery{Provider: t.Name(), Sender: from}
	var resp twilioResponse
	if json.Unmarshal(raw, &resp) == nil {
		d.MessageID = resp.SID
	}
	return d, nil
}

// Leonix is a French gateway. It always sends from its own source number
// and expects national format for French numbers.
type Leonix struct {
	cfg    config.ProviderConfig
	client HTTPDoer
}

func newLeonix(cfg config.ProviderConfig, client HTTPDoer) (*Leonix, error) {
	if cfg.Endpoint == "" || cfg.Login == "" {
		return nil, fmt.Errorf("leonix: %w", ErrNotConfigured)
	}
	return &Leonix{cfg: cfg, client: client}, nil
}

func (*Leonix) Name() string { return "leonix" }

func (l *Leonix) SendSMS(ctx context.Context, _, to, body string) (*model.Delivery, error) {
	q := url.Values{
		"service": {l.cfg.Service},
		"login":   {l.cfg.Login},
		"pwd":     {l.cfg.Password},
		"source":  {l.cfg.From},
		"number":  {strings.Replace(to, "+33", "0", 1)},
		"msg":     {body},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("leonix: %w", err)
	}
	if _, err := do(l.client, l.Name(), req); err != nil {
		return nil, err
	}
	return &model.Delivery{Provider: l.Name(), Sender: l.cfg.From}, nil
}
