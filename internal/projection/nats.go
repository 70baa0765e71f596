package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"stageline/internal/domain"
)

// Publisher is the part of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each projected item on <Subject>.<status>.
type NATSSink struct {
	Conn    Publisher
	Subject string
	Now     func() time.Time
}

// DialNATS connects to url and returns a sink plus its close func.
func DialNATS(url, subject string) (*NATSSink, func(), error) {
	nc, err := nats.Connect(url, nats.Name("stageline"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	closeFn := func() {
		_ = nc.Drain()
	}
	return &NATSSink{Conn: nc, Subject: subject}, closeFn, nil
}

func (s *NATSSink) Project(_ context.Context, item domain.WorkItem) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	data, err := encode(item, now())
	if err != nil {
		return err
	}
	subject := s.Subject + "." + item.Status
	if err := s.Conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
