package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"runnerlink/internal/bus"
)

// BackoffConfig bounds the reconnect loop.
type BackoffConfig struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Socket is a websocket-backed Channel. It dials the gateway, pumps inbound
// frames onto the bus, and redials with exponential backoff after a drop.
// Backoff exhaustion leaves the socket in StatusDisconnected; it is surfaced
// as status, never as an error to callers.
type Socket struct {
	url     string
	backoff BackoffConfig
	bus     *bus.Bus
	logger  *zap.Logger

	mu     sync.Mutex
	ws     *websocket.Conn
	status Status
	opened bool
	cancel context.CancelFunc
}

// NewSocket creates a socket channel for the given gateway URL.
func NewSocket(url string, backoff BackoffConfig, b *bus.Bus, logger *zap.Logger) *Socket {
	if backoff.Initial <= 0 {
		backoff.Initial = 500 * time.Millisecond
	}
	if backoff.Max <= 0 {
		backoff.Max = 30 * time.Second
	}
	return &Socket{
		url:     url,
		backoff: backoff,
		bus:     b,
		logger:  logger,
		status:  StatusDisconnected,
	}
}

// Open starts the dial/read/redial loop. Subsequent calls are no-ops.
func (s *Socket) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return nil
	}
	s.opened = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

func (s *Socket) run(ctx context.Context) {
	delay := s.backoff.Initial
	attempts := 0

	for {
		if ctx.Err() != nil {
			return
		}

		s.setStatus(StatusConnecting)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			attempts++
			s.setStatus(StatusDisconnected)
			if s.backoff.MaxAttempts > 0 && attempts >= s.backoff.MaxAttempts {
				s.logger.Warn("gateway unreachable, giving up",
					zap.Int("attempts", attempts))
				return
			}
			s.logger.Warn("gateway dial failed, retrying",
				zap.Error(err), zap.Duration("backoff", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay = min(delay*2, s.backoff.Max)
			continue
		}

		attempts = 0
		delay = s.backoff.Initial

		s.mu.Lock()
		s.ws = conn
		s.mu.Unlock()
		s.setStatus(StatusConnected)

		s.readLoop(ctx, conn)

		s.mu.Lock()
		s.ws = nil
		s.mu.Unlock()
		s.setStatus(StatusDisconnected)
	}
}

// readLoop decodes frames until the connection drops or ctx is cancelled.
func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()
	for {
		if ctx.Err() != nil {
			return
		}
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			s.logger.Warn("gateway read error", zap.Error(err))
			return
		}
		if f.Event == "" {
			continue
		}
		s.bus.Emit(InboundPrefix+f.Event, f.Room, f.Data)
	}
}

// Emit sends one frame. Dropped with ErrNotConnected while disconnected.
func (s *Socket) Emit(event, room string, payload any) error {
	f, err := NewFrame(event, room, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws == nil || s.status != StatusConnected {
		return ErrNotConnected
	}
	return s.ws.WriteJSON(f)
}

// Status reports the current connection status.
func (s *Socket) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Close cancels the lifecycle and closes any live connection.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ws := s.ws
	s.ws = nil
	s.opened = false
	s.status = StatusDisconnected
	s.mu.Unlock()

	if ws != nil {
		return ws.Close()
	}
	return nil
}

func (s *Socket) setStatus(st Status) {
	s.mu.Lock()
	prev := s.status
	s.status = st
	s.mu.Unlock()

	if prev == st {
		return
	}
	switch st {
	case StatusConnected:
		s.bus.Emit(KindConnected, "", nil)
	case StatusDisconnected:
		s.bus.Emit(KindDisconnected, "", nil)
	}
}
