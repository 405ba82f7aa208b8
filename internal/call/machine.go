package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"runnerlink/internal/bus"
	"runnerlink/internal/transport"
)

// State of the call signaling machine.
type State string

const (
	StateIdle     State = "idle"
	StateOutgoing State = "outgoing"
	StateIncoming State = "incoming"
	StateActive   State = "active"
)

// Kind of call.
type Kind string

const (
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
)

var (
	// ErrCallBusy is returned when a call is initiated while another call
	// session is non-idle. At most one call per engine instance.
	ErrCallBusy = errors.New("call: another call is in progress")
	// ErrInvalidState guards operations against the wrong state.
	ErrInvalidState = errors.New("call: operation invalid in current state")
	// ErrNoMedia is returned by NullMedia for every media operation.
	ErrNoMedia = errors.New("call: no media capability available")
)

// Emitter sends named signaling events over the connection.
type Emitter interface {
	Emit(event, room string, payload any) error
}

// Offer is the payload of an incomingCall event.
type Offer struct {
	CallID string `json:"callId"`
	Kind   Kind   `json:"kind"`
	From   string `json:"from"`
	Token  string `json:"token,omitempty"`
}

// Accepted is the payload of a callAccepted event. The media token may ride
// along here or arrive separately as a callToken event; whichever is seen
// last wins.
type Accepted struct {
	CallID string `json:"callId"`
	Token  string `json:"token,omitempty"`
}

// TokenDelivery is the payload of a standalone callToken event.
type TokenDelivery struct {
	CallID string `json:"callId"`
	Token  string `json:"token"`
}

type signalPayload struct {
	CallID string `json:"callId"`
	Kind   Kind   `json:"kind,omitempty"`
	To     string `json:"to,omitempty"`
}

// Machine orchestrates call signaling over the shared connection and drives
// the external media capability once a call goes active. It owns the
// hardware media resources for the duration of one call; teardown releases
// them synchronously and is safe to invoke any number of times from any
// state.
type Machine struct {
	emitter Emitter
	media   Media
	bus     *bus.Bus
	logger  *zap.Logger

	appID        string
	selfID       string
	setupTimeout time.Duration

	mu         sync.Mutex
	state      State
	callID     string
	kind       Kind
	peerID     string
	token      string
	startedAt  time.Time
	muted      bool
	cameraOff  bool
	remotes    map[string]string
	setupTimer *time.Timer
}

// NewMachine creates an idle signaling machine. setupTimeout bounds how
// long a call may sit in outgoing or incoming before automatic teardown;
// zero disables the bound.
func NewMachine(em Emitter, media Media, b *bus.Bus, logger *zap.Logger, appID, selfID string, setupTimeout time.Duration) *Machine {
	return &Machine{
		emitter:      em,
		media:        media,
		bus:          b,
		logger:       logger,
		appID:        appID,
		selfID:       selfID,
		setupTimeout: setupTimeout,
		state:        StateIdle,
		remotes:      make(map[string]string),
	}
}

// State returns the current signaling state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Initiate starts an outgoing call. Only valid from idle; a second call
// attempt while non-idle is rejected, never stacked. The media token is not
// known yet here; it arrives with the far end's accept or a separate token
// delivery.
func (m *Machine) Initiate(kind Kind, peerID string) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrCallBusy
	}
	m.callID = uuid.NewString()
	m.kind = kind
	m.peerID = peerID
	m.state = StateOutgoing
	m.armSetupTimer()
	callID := m.callID
	m.mu.Unlock()

	if err := m.emitter.Emit(transport.EvInitiateCall, "", signalPayload{
		CallID: callID, Kind: kind, To: peerID,
	}); err != nil {
		m.teardown(false)
		return fmt.Errorf("initiate call: %w", err)
	}
	m.logger.Info("call initiated", zap.String("call_id", callID), zap.String("to", peerID))
	return nil
}

// HandleOffer processes an incoming call offer. While non-idle the offer is
// declined straight back: one non-idle call session at a time.
func (m *Machine) HandleOffer(off Offer) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		_ = m.emitter.Emit(transport.EvDeclineCall, "", signalPayload{CallID: off.CallID})
		return
	}
	m.callID = off.CallID
	m.kind = off.Kind
	m.peerID = off.From
	if off.Token != "" {
		m.token = off.Token
	}
	m.state = StateIncoming
	m.armSetupTimer()
	m.mu.Unlock()

	m.logger.Info("incoming call", zap.String("call_id", off.CallID), zap.String("from", off.From))
	m.bus.Emit("call.incoming", "", off)
}

// HandleToken caches a separately-delivered media token. Last writer wins;
// tokens for a call that is no longer current are dropped.
func (m *Machine) HandleToken(tok TokenDelivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateIdle || (tok.CallID != "" && tok.CallID != m.callID) {
		return
	}
	m.token = tok.Token
}

// Accept answers an incoming call: it emits the accept signal, joins the
// media room with the cached token, and goes active only once that join
// succeeds. A join failure must never leave the machine stuck in incoming;
// it falls back to idle with all media released.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIncoming {
		m.mu.Unlock()
		return ErrInvalidState
	}
	callID, token, kind := m.callID, m.token, m.kind
	m.mu.Unlock()

	if err := m.emitter.Emit(transport.EvAcceptCall, "", signalPayload{CallID: callID}); err != nil {
		m.logger.Warn("accept signal dropped", zap.Error(err))
	}

	if err := m.goActive(ctx, callID, token, kind); err != nil {
		m.teardown(false)
		return fmt.Errorf("accept call: %w", err)
	}
	return nil
}

// HandleAccepted processes the far end accepting our outgoing call. The
// token cached from whichever delivery came last gates the media join.
func (m *Machine) HandleAccepted(ctx context.Context, acc Accepted) {
	m.mu.Lock()
	if m.state != StateOutgoing || (acc.CallID != "" && acc.CallID != m.callID) {
		m.mu.Unlock()
		return
	}
	if acc.Token != "" {
		m.token = acc.Token
	}
	callID, token, kind := m.callID, m.token, m.kind
	m.mu.Unlock()

	if err := m.goActive(ctx, callID, token, kind); err != nil {
		m.logger.Warn("media join after accept failed", zap.Error(err))
		m.teardown(true)
		m.bus.Emit("call.failed", "", callID)
	}
}

// goActive joins the media room and publishes local tracks. On success the
// machine transitions to active and the duration clock starts. The call may
// be torn down (remote end, decline, setup timeout) while the join is in
// flight; the transition only happens if this callID is still the current
// one in a pre-active state, otherwise the freshly joined room is released
// and the machine stays wherever teardown left it.
func (m *Machine) goActive(ctx context.Context, callID, token string, kind Kind) error {
	if err := m.media.JoinRoom(ctx, m.appID, callID, token, m.selfID); err != nil {
		return fmt.Errorf("join media room: %w", err)
	}
	if err := m.media.Publish(ctx, Tracks{Audio: true, Video: kind == KindVideo}); err != nil {
		_ = m.media.Leave()
		return fmt.Errorf("publish local tracks: %w", err)
	}

	m.mu.Lock()
	if m.callID != callID || (m.state != StateIncoming && m.state != StateOutgoing) {
		m.mu.Unlock()
		m.logger.Info("call ended during media setup", zap.String("call_id", callID))
		_ = m.media.Leave()
		return nil
	}
	m.state = StateActive
	m.startedAt = time.Now()
	m.stopSetupTimer()
	m.mu.Unlock()

	m.logger.Info("call active", zap.String("call_id", callID))
	m.bus.Emit("call.active", "", callID)
	return nil
}

// Decline rejects an incoming call.
func (m *Machine) Decline() error {
	m.mu.Lock()
	if m.state != StateIncoming {
		m.mu.Unlock()
		return ErrInvalidState
	}
	callID := m.callID
	m.mu.Unlock()

	if err := m.emitter.Emit(transport.EvDeclineCall, "", signalPayload{CallID: callID}); err != nil {
		m.logger.Warn("decline signal dropped", zap.Error(err))
	}
	m.teardown(true)
	return nil
}

// End hangs up from any state. Idempotent: a second End, or an End racing a
// remote callEnded, is harmless.
func (m *Machine) End() {
	m.mu.Lock()
	callID := m.callID
	m.mu.Unlock()

	if callID != "" {
		if err := m.emitter.Emit(transport.EvEndCall, "", signalPayload{CallID: callID}); err != nil {
			m.logger.Warn("end signal dropped", zap.Error(err))
		}
	}
	m.teardown(true)
}

// HandleRemoteEnd processes a remote decline or hang-up.
func (m *Machine) HandleRemoteEnd() {
	m.teardown(true)
}

// HandleUserPublished subscribes to a newly published remote track.
func (m *Machine) HandleUserPublished(p Participant) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	m.remotes[p.ID] = p.Kind
	m.mu.Unlock()

	if err := m.media.Subscribe(p.ID, p.Kind); err != nil {
		m.logger.Warn("subscribe to remote failed", zap.String("remote", p.ID), zap.Error(err))
	}
}

// HandleUserUnpublished drops a remote track from the participant set.
func (m *Machine) HandleUserUnpublished(p Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.remotes, p.ID)
}

// HandleUserLeft removes a departed participant.
func (m *Machine) HandleUserLeft(p Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.remotes, p.ID)
}

// ToggleMute flips the local audio track. Meaningful only while active.
func (m *Machine) ToggleMute(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.muted = !m.muted
	muted, kind := m.muted, m.kind
	m.mu.Unlock()

	return m.media.Publish(ctx, Tracks{Audio: !muted, Video: kind == KindVideo && !m.CameraOff()})
}

// ToggleCamera flips the local video track. Meaningful only while active on
// a video call.
func (m *Machine) ToggleCamera(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateActive || m.kind != KindVideo {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.cameraOff = !m.cameraOff
	cameraOff, muted := m.cameraOff, m.muted
	m.mu.Unlock()

	return m.media.Publish(ctx, Tracks{Audio: !muted, Video: !cameraOff})
}

// Muted reports the local mute flag.
func (m *Machine) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// CameraOff reports the local camera flag.
func (m *Machine) CameraOff() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cameraOff
}

// Duration returns how long the call has been active.
func (m *Machine) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return 0
	}
	return time.Since(m.startedAt)
}

// Remotes returns the current remote participant count.
func (m *Machine) Remotes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.remotes)
}

// teardown converges on idle from any state: local tracks released, media
// room left, every piece of cached call state cleared. announce controls
// whether a call.ended event is published when a call actually existed.
func (m *Machine) teardown(announce bool) {
	m.mu.Lock()
	hadCall := m.callID != ""
	m.stopSetupTimer()
	m.callID = ""
	m.kind = ""
	m.peerID = ""
	m.token = ""
	m.startedAt = time.Time{}
	m.muted = false
	m.cameraOff = false
	m.remotes = make(map[string]string)
	m.state = StateIdle
	m.mu.Unlock()

	if err := m.media.Leave(); err != nil {
		m.logger.Warn("media leave failed", zap.Error(err))
	}

	if hadCall && announce {
		m.bus.Emit("call.ended", "", nil)
	}
}

// armSetupTimer bounds call setup. Caller holds the lock.
func (m *Machine) armSetupTimer() {
	if m.setupTimeout <= 0 {
		return
	}
	m.stopSetupTimer()
	m.setupTimer = time.AfterFunc(m.setupTimeout, func() {
		m.mu.Lock()
		stuck := m.state == StateOutgoing || m.state == StateIncoming
		m.mu.Unlock()
		if stuck {
			m.logger.Warn("call setup timed out")
			m.teardown(true)
		}
	})
}

// stopSetupTimer cancels the setup bound. Caller holds the lock.
func (m *Machine) stopSetupTimer() {
	if m.setupTimer != nil {
		m.setupTimer.Stop()
		m.setupTimer = nil
	}
}
