package transport

import (
	"context"
	"encoding/json"
	"sync"

	"runnerlink/internal/bus"
)

// Loopback is an in-memory Channel used in tests and offline development.
// Emitted frames are recorded instead of hitting the network; inbound gateway
// traffic is simulated with Inject.
type Loopback struct {
	bus *bus.Bus

	mu     sync.Mutex
	status Status
	sent   []Frame
}

// NewLoopback creates a loopback channel starting disconnected.
func NewLoopback(b *bus.Bus) *Loopback {
	return &Loopback{bus: b, status: StatusDisconnected}
}

// Open marks the channel connected immediately.
func (l *Loopback) Open(_ context.Context) error {
	l.SetStatus(StatusConnected)
	return nil
}

// Emit records the frame. Returns ErrNotConnected while disconnected.
func (l *Loopback) Emit(event, room string, payload any) error {
	f, err := NewFrame(event, room, payload)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != StatusConnected {
		return ErrNotConnected
	}
	l.sent = append(l.sent, f)
	return nil
}

// Status reports the current simulated status.
func (l *Loopback) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Close marks the channel disconnected.
func (l *Loopback) Close() error {
	l.SetStatus(StatusDisconnected)
	return nil
}

// SetStatus flips the simulated connection status, publishing the matching
// transport event on transitions, the way the websocket channel does.
func (l *Loopback) SetStatus(st Status) {
	l.mu.Lock()
	prev := l.status
	l.status = st
	l.mu.Unlock()

	if prev == st {
		return
	}
	switch st {
	case StatusConnected:
		l.bus.Emit(KindConnected, "", nil)
	case StatusDisconnected:
		l.bus.Emit(KindDisconnected, "", nil)
	}
}

// Inject simulates an inbound gateway event, publishing it on the bus
// exactly as the websocket read loop would.
func (l *Loopback) Inject(event, room string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic("loopback inject: " + err.Error())
	}
	l.bus.Emit(InboundPrefix+event, room, json.RawMessage(data))
}

// Sent returns a copy of all frames emitted so far.
func (l *Loopback) Sent() []Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Frame, len(l.sent))
	copy(out, l.sent)
	return out
}

// SentByEvent returns the emitted frames matching the given event name.
func (l *Loopback) SentByEvent(event string) []Frame {
	var out []Frame
	for _, f := range l.Sent() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// Reset clears the recorded frames.
func (l *Loopback) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = nil
}
