package events

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/interfaces"
)

// Service is the in-process pub/sub bus connecting the lifecycle controller,
// the notification router, and live dashboard subscribers
type Service struct {
	mu       sync.RWMutex
	handlers map[interfaces.EventType][]interfaces.EventHandler
	wg       sync.WaitGroup
	closed   bool
	logger   arbor.ILogger
}

// NewService creates an event service with no subscriptions
func NewService(logger arbor.ILogger) interfaces.EventService {
	return &Service{
		handlers: make(map[interfaces.EventType][]interfaces.EventHandler),
		logger:   logger,
	}
}

func (s *Service) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[eventType] = append(s.handlers[eventType], handler)
	return nil
}

// Publish fans out to subscribers asynchronously. Handler errors are logged
// and never propagate to the publisher; live delivery is best-effort.
func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	handlers := make([]interfaces.EventHandler, len(s.handlers[event.Type]))
	copy(handlers, s.handlers[event.Type])
	s.mu.RUnlock()

	for _, handler := range handlers {
		s.wg.Add(1)
		go func(h interfaces.EventHandler) {
			defer s.wg.Done()
			if err := h(context.WithoutCancel(ctx), event); err != nil {
				s.logger.Warn().Str("event_type", string(event.Type)).Err(err).Msg("Event handler failed")
			}
		}(handler)
	}
	return nil
}

// PublishSync fans out and waits for every handler. Used by tests and
// shutdown paths where ordering matters.
func (s *Service) PublishSync(ctx context.Context, event interfaces.Event) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	handlers := make([]interfaces.EventHandler, len(s.handlers[event.Type]))
	copy(handlers, s.handlers[event.Type])
	s.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			s.logger.Warn().Str("event_type", string(event.Type)).Err(err).Msg("Event handler failed")
		}
	}
	return nil
}

// Close stops accepting events and waits for in-flight async handlers
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
