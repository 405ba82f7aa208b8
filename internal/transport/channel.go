package transport

import (
	"context"
	"errors"
)

// Status of the transport connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// ErrNotConnected is returned when a command is emitted while the channel
// is not connected. Commands are dropped, never queued.
var ErrNotConnected = errors.New("transport: not connected")

// Channel is a duplex event-based connection to the gateway. Inbound frames
// are republished on the bus under the "net." namespace with the frame's
// room scope; connection transitions are published as "transport.connected"
// and "transport.disconnected". Reconnect with backoff is the channel's own
// responsibility; consumers only observe status.
type Channel interface {
	// Open starts the connection lifecycle. Safe to call once; subsequent
	// calls while the channel is open are no-ops.
	Open(ctx context.Context) error
	// Emit sends one named event. Returns ErrNotConnected when the channel
	// is not currently connected.
	Emit(event, room string, payload any) error
	// Status reports the current connection status.
	Status() Status
	// Close tears the connection down permanently.
	Close() error
}

// Bus event kinds published by channel implementations.
const (
	KindConnected    = "transport.connected"
	KindDisconnected = "transport.disconnected"
)
