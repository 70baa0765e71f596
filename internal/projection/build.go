package projection

import (
	"stageline/internal/config"
	"stageline/internal/logging"
)

// FromConfig assembles the configured sinks. The returned close func releases
// any broker connection.
func FromConfig(cfg config.ProjectionConfig, logger *logging.Logger) (Sink, func(), error) {
	sinks := Multi{LogSink{Logger: logger}}
	sinks = append(sinks, NewWebhookSinks(cfg.Webhooks)...)
	closeFn := func() {}
	if cfg.NATS.URL != "" {
		ns, closeNATS, err := DialNATS(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, ns)
		closeFn = closeNATS
	}
	return sinks, closeFn, nil
}
