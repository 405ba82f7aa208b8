package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"runnerlink/internal/transport"
)

// Signal is a transient ephemeral state broadcast to a room.
type Signal string

const (
	SignalTyping    Signal = "typing"
	SignalRecording Signal = "recording"
)

// Emitter sends named events over the connection.
type Emitter interface {
	Emit(event, room string, payload any) error
}

type signalPayload struct {
	Signal Signal `json:"signal"`
	Active bool   `json:"active"`
}

// Throttle debounces ephemeral presence signals: at most one active
// broadcast per room+signal per interval, with an automatic inactive
// broadcast after the quiet period.
type Throttle struct {
	emitter  Emitter
	interval time.Duration
	quiet    time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	last   map[string]time.Time
	stops  map[string]*time.Timer
	closed bool
}

// NewThrottle creates a throttle. interval bounds active broadcasts; quiet
// is how long after the last ping the inactive broadcast fires.
func NewThrottle(em Emitter, interval, quiet time.Duration, logger *zap.Logger) *Throttle {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if quiet <= 0 {
		quiet = 3 * time.Second
	}
	return &Throttle{
		emitter:  em,
		interval: interval,
		quiet:    quiet,
		logger:   logger,
		last:     make(map[string]time.Time),
		stops:    make(map[string]*time.Timer),
	}
}

// Ping reports local activity for a room. The active broadcast is emitted
// at most once per interval; every ping pushes the quiet timer back.
func (t *Throttle) Ping(roomKey string, sig Signal) {
	key := roomKey + "/" + string(sig)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	send := now.Sub(t.last[key]) >= t.interval
	if send {
		t.last[key] = now
	}
	if timer, ok := t.stops[key]; ok {
		timer.Stop()
	}
	t.stops[key] = time.AfterFunc(t.quiet, func() {
		t.emitStop(roomKey, sig, key)
	})
	t.mu.Unlock()

	if send {
		if err := t.emitter.Emit(transport.EvTyping, roomKey, signalPayload{Signal: sig, Active: true}); err != nil {
			t.logger.Debug("presence signal dropped", zap.String("room", roomKey))
		}
	}
}

func (t *Throttle) emitStop(roomKey string, sig Signal, key string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.stops, key)
	delete(t.last, key)
	t.mu.Unlock()

	if err := t.emitter.Emit(transport.EvTyping, roomKey, signalPayload{Signal: sig, Active: false}); err != nil {
		t.logger.Debug("presence stop dropped", zap.String("room", roomKey))
	}
}

// Close stops all pending quiet timers.
func (t *Throttle) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for key, timer := range t.stops {
		timer.Stop()
		delete(t.stops, key)
	}
}
