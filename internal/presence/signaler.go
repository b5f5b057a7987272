package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SendFunc writes one typing.status frame for the active conversation.
type SendFunc func(isTyping bool) error

// Signaler collapses local typing activity into at most one outbound frame
// per window. The first signal after a quiet period goes out immediately;
// signals inside the window only update the state flushed when it closes,
// and the flush is skipped when that state is what peers already have.
type Signaler struct {
	send    SendFunc
	logger  *zap.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	sent    bool
	hasSent bool
	pending *bool
	timer   *time.Timer
	stopped bool
}

// NewSignaler creates a signaler bound to one connection's send function.
func NewSignaler(window time.Duration, send SendFunc, logger *zap.Logger) *Signaler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Signaler{
		send:    send,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(window), 1),
	}
}

// SignalTyping records local typing activity. Repeated true values act as a
// heartbeat so peers do not expire the entry while typing continues.
func (s *Signaler) SignalTyping(isTyping bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if !s.worthSending(isTyping) && s.pending == nil {
		return
	}
	if s.timer == nil && s.limiter.Allow() {
		s.flushLocked(isTyping)
		return
	}

	v := isTyping
	s.pending = &v
	if s.timer == nil {
		s.scheduleLocked()
	}
}

// Stop cancels the trailing flush. Signals after Stop are ignored.
func (s *Signaler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// worthSending drops a stop signal when peers already saw us stop.
func (s *Signaler) worthSending(isTyping bool) bool {
	return isTyping || (s.hasSent && s.sent)
}

func (s *Signaler) scheduleLocked() {
	r := s.limiter.Reserve()
	delay := r.Delay()
	r.Cancel()
	if delay <= 0 {
		delay = time.Millisecond
	}
	s.timer = time.AfterFunc(delay, s.trailing)
}

func (s *Signaler) trailing() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timer = nil
	if s.stopped || s.pending == nil {
		return
	}
	v := *s.pending
	// Peers already hold this state; a heartbeat needs a fresh signal.
	if s.hasSent && s.sent == v {
		s.pending = nil
		return
	}
	if !s.limiter.Allow() {
		s.scheduleLocked()
		return
	}
	s.pending = nil
	if s.worthSending(v) {
		s.flushLocked(v)
	}
}

func (s *Signaler) flushLocked(isTyping bool) {
	if err := s.send(isTyping); err != nil {
		s.logger.Debug("typing signal not sent", zap.Bool("typing", isTyping), zap.Error(err))
		return
	}
	s.sent = isTyping
	s.hasSent = true
}
