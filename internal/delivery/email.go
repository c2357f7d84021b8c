// Package delivery abstracts the transactional email provider behind a
// narrow interface so workers and handlers never talk to the wire format
// directly.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"time"
)

// ErrInvalidRecipient marks a syntactically invalid destination address.
// Not retryable: a malformed address will never become valid.
var ErrInvalidRecipient = errors.New("invalid recipient address")

// Email is one transactional message.
type Email struct {
	To      string
	Subject string
	HTML    string
}

// Provider sends transactional email. Errors other than ErrInvalidRecipient
// are treated as transient by callers.
type Provider interface {
	Send(ctx context.Context, email Email) error
}

// ValidateAddress checks the destination address syntactically. Callers run
// this before touching the provider so permanent payload errors never burn a
// delivery attempt.
func ValidateAddress(addr string) error {
	if addr == "" {
		return ErrInvalidRecipient
	}
	if _, err := mail.ParseAddress(addr); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, addr)
	}
	return nil
}

// HTTPProvider talks to a JSON transactional-email API with a bearer key.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	from    string
	client  *http.Client
}

// NewHTTPProvider builds a provider client. A missing API key is a
// configuration error surfaced immediately rather than at first send.
func NewHTTPProvider(baseURL, apiKey, from string, timeout time.Duration) (*HTTPProvider, error) {
	if apiKey == "" {
		return nil, errors.New("email provider api key not configured")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		from:    from,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Send posts the message to the provider. Non-2xx responses are returned as
// errors so the worker's retry policy applies.
func (p *HTTPProvider) Send(ctx context.Context, email Email) error {
	if err := ValidateAddress(email.To); err != nil {
		return err
	}

	body, err := json.Marshal(sendRequest{
		From:    p.from,
		To:      email.To,
		Subject: email.Subject,
		HTML:    email.HTML,
	})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/emails", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("email provider returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	return nil
}
