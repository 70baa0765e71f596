package projection

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stageline/internal/config"
	"stageline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink POSTs each projected item to a configured URL.
type WebhookSink struct {
	Hook   config.WebhookConfig
	Client *http.Client
	Now    func() time.Time
}

// NewWebhookSinks builds one sink per enabled hook.
func NewWebhookSinks(hooks []config.WebhookConfig) []Sink {
	var sinks []Sink
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := defaultWebhookTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		sinks = append(sinks, &WebhookSink{Hook: hook, Client: &http.Client{Timeout: timeout}})
	}
	return sinks
}

func (s *WebhookSink) Project(ctx context.Context, item domain.WorkItem) error {
	if !newStatusFilter(s.Hook.Statuses).match(item.Status) {
		return nil
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	data, err := encode(item, now())
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stageline-Item", fmt.Sprintf("%d", item.ID))
	req.Header.Set("X-Stageline-Status", item.Status)
	if strings.TrimSpace(s.Hook.Secret) != "" {
		req.Header.Set("X-Stageline-Secret", s.Hook.Secret)
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", s.Hook.URL, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", s.Hook.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type statusFilter struct {
	all bool
	set map[string]struct{}
}

func newStatusFilter(statuses []string) statusFilter {
	set := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		if key := strings.TrimSpace(s); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return statusFilter{all: true}
	}
	return statusFilter{set: set}
}

func (f statusFilter) match(status string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[status]
	return ok
}
