package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"runnerlink/internal/bus"
	"runnerlink/internal/call"
	"runnerlink/internal/chat"
	"runnerlink/internal/config"
	"runnerlink/internal/conn"
	"runnerlink/internal/identity"
	"runnerlink/internal/presence"
	"runnerlink/internal/room"
	"runnerlink/internal/transport"
	"runnerlink/internal/upload"
)

// Engine is the composition root of the session engine. It routes inbound
// gateway events from the bus to the open chat sessions, the upload
// tracker, and the call machine, and owns the conversation lifecycle.
// Event handling is sequential: one router goroutine applies transport
// events, user commands run on their caller, and reordering is absorbed by
// idempotent joins, the dedup index, and the last-writer-wins call token.
type Engine struct {
	cfg    *config.Config
	bus    *bus.Bus
	conn   *conn.Manager
	rooms  *room.Controller
	upload *upload.Tracker
	calls  *call.Machine
	typing *presence.Throttle
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*chat.Session
	cancel   context.CancelFunc
}

// New wires the engine from its parts.
func New(cfg *config.Config, b *bus.Bus, cm *conn.Manager, rooms *room.Controller, tracker *upload.Tracker, calls *call.Machine, typing *presence.Throttle, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		bus:      b,
		conn:     cm,
		rooms:    rooms,
		upload:   tracker,
		calls:    calls,
		typing:   typing,
		logger:   logger,
		sessions: make(map[string]*chat.Session),
	}
}

// Start subscribes the router to inbound gateway and media events.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	netCh, unsubNet := e.bus.Subscribe(transport.InboundPrefix, 256)
	mediaCh, unsubMedia := e.bus.Subscribe("media.", 64)

	go func() {
		defer unsubNet()
		defer unsubMedia()
		for {
			select {
			case evt := <-netCh:
				e.handleNet(ctx, evt)
			case evt := <-mediaCh:
				e.handleMedia(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Connect establishes the gateway connection and declares the identity
// rooms so notifications and dispatch events flow immediately.
func (e *Engine) Connect(ctx context.Context) error {
	claims := e.conn.Claims()
	e.rooms.Declare(room.Intent{Key: room.UserRoom(claims.UserID)}, e.conn)
	if claims.Role == identity.RoleRunner {
		e.rooms.Declare(room.Intent{
			Key:    room.RunnerRoom(claims.UserID, e.cfg.ServiceType),
			Params: map[string]any{"serviceType": e.cfg.ServiceType},
		}, e.conn)
	}
	return e.conn.Connect(ctx)
}

// Stop tears the engine down: router stopped, any live call ended with its
// media released, presence timers cleared, and the connection closed.
// Only this teardown may close the shared connection.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.calls.End()
	e.typing.Close()
	if err := e.conn.Close(); err != nil {
		e.logger.Warn("connection close failed", zap.Error(err))
	}
}

// OpenConversation declares the room intent for a chat and creates its
// session. The returned release disposes the whole scope deterministically:
// intent revoked, in-flight uploads abandoned, callbacks detached so late
// events are dropped rather than misapplied. Opening an already-open
// conversation returns the existing session.
func (e *Engine) OpenConversation(chatID string) (*chat.Session, func()) {
	key := room.ChatRoom(chatID)

	e.mu.Lock()
	if s, ok := e.sessions[key]; ok {
		e.mu.Unlock()
		return s, func() {}
	}
	s := chat.NewSession(key, e.conn.Claims().UserID, e.conn, e.bus, e.logger, chat.Config{
		EditWindow: e.cfg.EditWindow(),
		AckTimeout: e.cfg.AckTimeout(),
	})
	e.sessions[key] = s
	e.mu.Unlock()

	e.rooms.Declare(room.Intent{Key: key}, e.conn)

	var once sync.Once
	release := func() {
		once.Do(func() {
			e.rooms.Revoke(key)
			e.upload.AbandonRoom(key)
			s.Close()
			e.mu.Lock()
			delete(e.sessions, key)
			e.mu.Unlock()
		})
	}
	return s, release
}

// SendAttachment starts an upload task for an open conversation.
func (e *Engine) SendAttachment(s *chat.Session, data []byte, contentType string, kind chat.Kind) (chat.Message, error) {
	return e.upload.Begin(s, data, contentType, kind, e.conn.Claims().UserID)
}

// Typing reports local typing activity for a chat.
func (e *Engine) Typing(chatID string) {
	e.typing.Ping(room.ChatRoom(chatID), presence.SignalTyping)
}

// Recording reports local voice-note recording activity for a chat.
func (e *Engine) Recording(chatID string) {
	e.typing.Ping(room.ChatRoom(chatID), presence.SignalRecording)
}

// Calls exposes the call signaling machine.
func (e *Engine) Calls() *call.Machine {
	return e.calls
}

// Connection exposes the connection manager for status observation.
func (e *Engine) Connection() *conn.Manager {
	return e.conn
}

func (e *Engine) session(roomKey string) *chat.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[roomKey]
}

// handleNet routes one inbound gateway event. Events for rooms without an
// open session are dropped silently; they belong to a conversation that was
// left.
func (e *Engine) handleNet(ctx context.Context, evt bus.Event) {
	raw, ok := evt.Payload.(json.RawMessage)
	if !ok {
		return
	}
	event := strings.TrimPrefix(evt.Kind, transport.InboundPrefix)

	switch event {
	case transport.EvChatHistory:
		var history []*chat.Message
		if err := json.Unmarshal(raw, &history); err != nil {
			e.logger.Warn("bad history payload", zap.String("room", evt.Room), zap.Error(err))
			return
		}
		if s := e.session(evt.Room); s != nil {
			s.Hydrate(history)
		}

	case transport.EvMessage:
		var m chat.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			e.logger.Warn("bad message payload", zap.String("room", evt.Room), zap.Error(err))
			return
		}
		if s := e.session(evt.Room); s != nil {
			s.Apply(&m)
		}

	case transport.EvMessageDeleted:
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		if s := e.session(evt.Room); s != nil {
			s.ApplyDelete(p.ID)
		}

	case transport.EvMessageEdited:
		var p struct {
			ID   string `json:"id"`
			Body string `json:"body"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		if s := e.session(evt.Room); s != nil {
			s.ApplyEdit(p.ID, p.Body)
		}

	case transport.EvMessageReaction:
		var p struct {
			ID       string `json:"id"`
			Reaction string `json:"reaction"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		if s := e.session(evt.Room); s != nil {
			s.ApplyReaction(p.ID, p.Reaction)
		}

	case transport.EvUploadSuccess:
		var res upload.Result
		if err := json.Unmarshal(raw, &res); err != nil {
			return
		}
		e.upload.Resolve(res)

	case transport.EvUploadError:
		var res upload.Result
		if err := json.Unmarshal(raw, &res); err != nil {
			return
		}
		e.upload.Fail(res)

	case transport.EvIncomingCall:
		var off call.Offer
		if err := json.Unmarshal(raw, &off); err != nil {
			return
		}
		e.calls.HandleOffer(off)

	case transport.EvCallAccepted:
		var acc call.Accepted
		if err := json.Unmarshal(raw, &acc); err != nil {
			return
		}
		// The media join can take a while; message routing must not stall
		// behind call setup.
		go e.calls.HandleAccepted(ctx, acc)

	case transport.EvCallToken:
		var tok call.TokenDelivery
		if err := json.Unmarshal(raw, &tok); err != nil {
			return
		}
		e.calls.HandleToken(tok)

	case transport.EvCallDeclined, transport.EvCallEnded:
		e.calls.HandleRemoteEnd()
	}
}

// handleMedia routes media capability events into the call machine.
func (e *Engine) handleMedia(evt bus.Event) {
	p, ok := evt.Payload.(call.Participant)
	if !ok {
		return
	}
	switch evt.Kind {
	case call.KindUserPublished:
		e.calls.HandleUserPublished(p)
	case call.KindUserUnpublished:
		e.calls.HandleUserUnpublished(p)
	case call.KindUserLeft:
		e.calls.HandleUserLeft(p)
	}
}
