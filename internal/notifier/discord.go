package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// DiscordNotifier maps notifications onto webhook messages: Show posts a message,
// UpdateProgress edits it and Dismiss deletes it.
type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

type discordMessage struct {
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
}

func (d *DiscordNotifier) Show(ctx context.Context, n Notification) (Handle, error) {
	endpoint, err := d.endpoint("")
	if err != nil {
		return "", err
	}

	q := endpoint.Query()
	q.Set("wait", "true")
	endpoint.RawQuery = q.Encode()

	var msg discordMessage
	if err := d.send(ctx, http.MethodPost, endpoint, &discordMessage{Content: render(n)}, &msg); err != nil {
		return "", err
	}

	if msg.ID == "" {
		return "", fmt.Errorf("webhook response did not include a message id")
	}

	return Handle(msg.ID), nil
}

func (d *DiscordNotifier) UpdateProgress(ctx context.Context, h Handle, percent int, message string) error {
	endpoint, err := d.endpoint(string(h))
	if err != nil {
		return err
	}

	content := fmt.Sprintf("%s\n%s", message, progressBar(percent))

	return d.send(ctx, http.MethodPatch, endpoint, &discordMessage{Content: content}, nil)
}

func (d *DiscordNotifier) Dismiss(ctx context.Context, h Handle) error {
	endpoint, err := d.endpoint(string(h))
	if err != nil {
		return err
	}

	return d.send(ctx, http.MethodDelete, endpoint, nil, nil)
}

func (d *DiscordNotifier) endpoint(messageID string) (*url.URL, error) {
	if d.WebhookURL == "" {
		return nil, fmt.Errorf("webhook URL is not set")
	}

	u, err := url.Parse(d.WebhookURL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}

	if messageID != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/messages/" + url.PathEscape(messageID)
	}

	return u, nil
}

func (d *DiscordNotifier) send(ctx context.Context, method string, endpoint *url.URL, payload, out any) error {
	var body bytes.Buffer

	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), &body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode webhook response: %w", err)
		}
	}

	return nil
}

func render(n Notification) string {
	icon := map[Kind]string{KindSuccess: "✅", KindError: "❌"}[n.Kind]
	if icon == "" {
		return fmt.Sprintf("**%s**\n%s", n.Title, n.Message)
	}

	return fmt.Sprintf("%s **%s**\n%s", icon, n.Title, n.Message)
}

func progressBar(percent int) string {
	const width = 20

	percent = min(max(percent, 0), 100)
	filled := percent * width / 100

	return "`" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "`"
}
