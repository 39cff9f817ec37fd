package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultSendGridEndpoint is the SendGrid v3 send URL.
const DefaultSendGridEndpoint = "https://api.sendgrid.com/v3/mail/send"

// Email is one outgoing message.
type Email struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string
}

// Mailer delivers emails.
type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// SendGridMailer talks to a SendGrid-compatible v3 mail/send endpoint.
// Any 2xx is success; everything else is a *DeliveryError. No retry.
type SendGridMailer struct {
	endpoint string
	apiKey   string
	from     string
	client   *http.Client
}

// NewSendGridMailer returns a mailer. An empty endpoint uses
// DefaultSendGridEndpoint.
func NewSendGridMailer(endpoint, apiKey, from string) *SendGridMailer {
	if endpoint == "" {
		endpoint = DefaultSendGridEndpoint
	}
	return &SendGridMailer{
		endpoint: endpoint,
		apiKey:   apiKey,
		from:     from,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgPersonalization struct {
	To []sgAddress `json:"to"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgMessage struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
}

func (m *SendGridMailer) Send(ctx context.Context, e Email) error {
	msg := sgMessage{
		Personalizations: []sgPersonalization{{To: []sgAddress{{Email: e.To, Name: e.ToName}}}},
		From:             sgAddress{Email: m.from},
		Subject:          e.Subject,
	}
	// SendGrid requires text/plain before text/html.
	if e.Text != "" {
		msg.Content = append(msg.Content, sgContent{Type: "text/plain", Value: e.Text})
	}
	msg.Content = append(msg.Content, sgContent{Type: "text/html", Value: e.HTML})

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal email: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return &DeliveryError{Cause: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DeliveryError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}
