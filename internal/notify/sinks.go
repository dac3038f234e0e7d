package notify

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/models"
)

// LogSink is the development delivery sink: external channels log instead
// of calling a provider.
type LogSink struct {
	logger arbor.ILogger
}

// NewLogSink creates a logging delivery sink
func NewLogSink(logger arbor.ILogger) *LogSink {
	return &LogSink{logger: logger}
}

// Send logs the delivery and reports success
func (s *LogSink) Send(ctx context.Context, channel models.DeliveryChannel, recipient, title, message string) error {
	s.logger.Info().
		Str("channel", string(channel)).
		Str("recipient", recipient).
		Str("title", title).
		Str("message", message).
		Msg("Notification delivered")
	return nil
}
