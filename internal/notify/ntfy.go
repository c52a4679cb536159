package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Ntfy publishes alerts to an ntfy topic
type Ntfy struct {
	baseURL  string
	topic    string
	clickURL string
	http     HTTPDoer
}

// NewNtfy creates an ntfy notifier. clickURL may contain {source} and {id}.
func NewNtfy(baseURL, topic, clickURL string) *Ntfy {
	return NewNtfyWithHTTPDoer(baseURL, topic, clickURL, &http.Client{Timeout: 10 * time.Second})
}

// NewNtfyWithHTTPDoer creates an ntfy notifier with a custom HTTP client
func NewNtfyWithHTTPDoer(baseURL, topic, clickURL string, doer HTTPDoer) *Ntfy {
	return &Ntfy{
		baseURL:  strings.TrimRight(baseURL, "/"),
		topic:    topic,
		clickURL: clickURL,
		http:     doer,
	}
}

func (n *Ntfy) Notify(ctx context.Context, alert Alert) error {
	endpoint := n.baseURL + "/" + n.topic
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(alert.Body))
	if err != nil {
		return fmt.Errorf("failed to create ntfy request: %w", err)
	}

	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("Title", alert.Title)
	req.Header.Set("Tags", tagFor(alert.Source))
	req.Header.Set("Priority", "5")
	// ntfy replaces messages that share an id within a topic
	req.Header.Set("X-Sequence-ID", strconv.FormatInt(int64(alert.ID), 10))
	if n.clickURL != "" {
		click := strings.NewReplacer("{source}", alert.Source, "{id}", alert.IncidentID).Replace(n.clickURL)
		req.Header.Set("Click", click)
	}

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("ntfy HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func tagFor(source string) string {
	switch source {
	case "FIRE":
		return "fire,rotating_light"
	case "SMS":
		return "speech_balloon,rotating_light"
	default:
		return "rotating_light"
	}
}
