// Package projection mirrors work item state changes to external observers.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"stageline/internal/domain"
	"stageline/internal/logging"
)

// Sink is notified after every status-affecting mutation.
type Sink interface {
	Project(ctx context.Context, item domain.WorkItem) error
}

// Multi fans out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Project(ctx context.Context, item domain.WorkItem) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Project(ctx, item); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Project(context.Context, domain.WorkItem) error { return nil }

// LogSink writes one structured line per projected item.
type LogSink struct {
	Logger *logging.Logger
}

func (s LogSink) Project(_ context.Context, item domain.WorkItem) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.WithItem(item.ID).Info("work item projected", "status", item.Status, "kind", item.Kind, "last_error", item.LastError)
	return nil
}

// Message is the wire shape shared by the webhook and NATS sinks.
type Message struct {
	Item        domain.WorkItem `json:"item"`
	ProjectedAt string          `json:"projected_at"`
}

func encode(item domain.WorkItem, now time.Time) ([]byte, error) {
	return json.Marshal(Message{Item: item, ProjectedAt: now.UTC().Format(time.RFC3339)})
}
