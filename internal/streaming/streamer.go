package streaming

import (
	"sync"

	"github.com/KevinKickass/gatewayems/internal/modbus"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const subscriberBuffer = 100

// ReadingStreamer fans poll reports out to subscribers. Slow subscribers
// miss reports instead of stalling the poller.
type ReadingStreamer struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]chan *modbus.PollReport
	logger      *zap.Logger
}

func NewReadingStreamer(logger *zap.Logger) *ReadingStreamer {
	return &ReadingStreamer{
		subscribers: make(map[uuid.UUID]chan *modbus.PollReport),
		logger:      logger,
	}
}

// Subscribe returns the subscription id and its channel.
func (s *ReadingStreamer) Subscribe() (uuid.UUID, <-chan *modbus.PollReport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	ch := make(chan *modbus.PollReport, subscriberBuffer)
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe closes the subscriber channel. Unknown ids are ignored.
func (s *ReadingStreamer) Unsubscribe(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

func (s *ReadingStreamer) Broadcast(report *modbus.PollReport) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, ch := range s.subscribers {
		select {
		case ch <- report:
		default:
			s.logger.Debug("Subscriber full, dropping report",
				zap.String("subscriber", id.String()),
				zap.Uint64("iteration", report.Iteration))
		}
	}
}

// Close unsubscribes everyone.
func (s *ReadingStreamer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
}

func (s *ReadingStreamer) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}
