package conn

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"runnerlink/internal/bus"
	"runnerlink/internal/identity"
	"runnerlink/internal/room"
	"runnerlink/internal/transport"
)

// Manager owns the single transport connection for the engine. It connects
// exactly once per engine lifetime, authenticates on every connect, replays
// declared room intents before signaling ready, and drops (never queues)
// commands issued while disconnected. Dependents are not torn down on a
// drop; their in-memory state survives until the next connect.
type Manager struct {
	channel transport.Channel
	rooms   *room.Controller
	machine *Machine
	bus     *bus.Bus
	logger  *zap.Logger

	claims *identity.Claims
	token  string

	// mu guards the connect/close lifecycle fields.
	mu     sync.Mutex
	cancel context.CancelFunc
	unsub  func()
}

type authPayload struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// NewManager creates a connection manager bound to an access token. The
// token's claims become the identity context used for intent replay.
func NewManager(ch transport.Channel, rooms *room.Controller, b *bus.Bus, logger *zap.Logger, accessToken string) (*Manager, error) {
	claims, err := identity.FromToken(accessToken)
	if err != nil {
		return nil, fmt.Errorf("connection identity: %w", err)
	}
	return &Manager{
		channel: ch,
		rooms:   rooms,
		machine: NewMachine(b),
		bus:     b,
		logger:  logger,
		claims:  claims,
		token:   accessToken,
	}, nil
}

// Connect establishes the transport. Subsequent calls while a connection
// lifecycle exists are no-ops. Safe to call concurrently with Close.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}
	ctx, m.cancel = context.WithCancel(ctx)

	ch, unsub := m.bus.Subscribe("transport.", 16)
	m.unsub = unsub
	go m.watch(ctx, ch)

	if err := m.machine.Transition(Connecting); err != nil {
		return err
	}
	if err := m.channel.Open(ctx); err != nil {
		_ = m.machine.Transition(Disconnected)
		return fmt.Errorf("open channel: %w", err)
	}
	return nil
}

func (m *Manager) watch(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case evt := <-ch:
			switch evt.Kind {
			case transport.KindConnected:
				m.onConnected()
			case transport.KindDisconnected:
				m.onDisconnected()
			}
		case <-ctx.Done():
			return
		}
	}
}

// onConnected authenticates, replays room intents, and only then announces
// readiness to dependents.
func (m *Manager) onConnected() {
	if m.machine.Current() == Disconnected {
		// Redial succeeded inside the transport's own backoff loop.
		_ = m.machine.Transition(Connecting)
	}
	if err := m.machine.Transition(Connected); err != nil {
		m.logger.Warn("spurious connected event", zap.Error(err))
		return
	}

	if err := m.channel.Emit(transport.EvAuthenticate, "", authPayload{
		Token:  m.token,
		UserID: m.claims.UserID,
		Role:   m.claims.Role,
	}); err != nil {
		m.logger.Warn("authenticate emit failed", zap.Error(err))
	}

	m.rooms.Replay(m)

	m.logger.Info("connection ready",
		zap.String("user", m.claims.UserID),
		zap.String("role", m.claims.Role))
	m.bus.Emit("conn.ready", "", nil)
}

func (m *Manager) onDisconnected() {
	if m.machine.Current() == Disconnected {
		return
	}
	_ = m.machine.Transition(Disconnected)
	m.logger.Warn("gateway connection lost")
}

// Emit sends a command over the channel. Commands issued while disconnected
// are dropped with transport.ErrNotConnected; callers observe status instead
// of queuing.
func (m *Manager) Emit(event, roomKey string, payload any) error {
	if m.machine.Current() != Connected {
		return transport.ErrNotConnected
	}
	return m.channel.Emit(event, roomKey, payload)
}

// Status returns the current connection status.
func (m *Manager) Status() State {
	return m.machine.Current()
}

// Claims returns the identity context behind this connection.
func (m *Manager) Claims() *identity.Claims {
	return m.claims
}

// Close tears the connection down. Only the engine may call this; rooms and
// the call subsystem share the connection but never own it.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	err := m.channel.Close()
	if m.machine.Current() != Disconnected {
		_ = m.machine.Transition(Disconnected)
	}
	return err
}
