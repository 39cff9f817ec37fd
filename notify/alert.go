package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Alerter shows a local, immediate notification.
type Alerter interface {
	Show(ctx context.Context, title, message string) error
}

// LogAlerter writes alerts to a slog logger.
type LogAlerter struct {
	Logger *slog.Logger
}

func (a LogAlerter) Show(_ context.Context, title, message string) error {
	l := a.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("notify: alert", "title", title, "message", message)
	return nil
}

// WebhookAlerter POSTs each alert as JSON. One attempt, no retry: a missed
// alert is superseded by the next change anyway.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter targets url with a 10s client timeout.
func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

type alertPayload struct {
	Title     string `json:"title"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func (w *WebhookAlerter) Show(ctx context.Context, title, message string) error {
	body, err := json.Marshal(alertPayload{Title: title, Message: message, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("notify: webhook marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: webhook status %d", resp.StatusCode)
	}
	return nil
}

// MultiAlerter fans an alert out to every alerter and joins their errors.
type MultiAlerter []Alerter

func (m MultiAlerter) Show(ctx context.Context, title, message string) error {
	var errs []error
	for _, a := range m {
		if err := a.Show(ctx, title, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
