package chat

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"runnerlink/internal/bus"
	"runnerlink/internal/transport"
)

// Emitter sends named events over the connection.
type Emitter interface {
	Emit(event, room string, payload any) error
}

// Config holds per-session policy knobs.
type Config struct {
	// EditWindow bounds how long after sending a message may still be
	// edited. Advisory, client-side only. Zero disables the check.
	EditWindow time.Duration
	// AckTimeout flips an optimistic message from sent to failed when no
	// server confirmation arrives in time. Zero disables the timer.
	AckTimeout time.Duration
}

// Session is the message-exchange state for one conversation room: an
// ordered sequence of messages, a dedup index over every identifier ever
// applied (placeholder and confirmed), and the in-flight upload tokens.
// All event application is idempotent: the same live event twice, or a
// historical and a live copy of one message, never duplicates it.
type Session struct {
	room    string
	selfID  string
	emitter Emitter
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     Config

	mu        sync.Mutex
	messages  []*Message
	index     map[string]int
	uploads   map[string]struct{}
	ackTimers map[string]*time.Timer
	closed    bool
}

// NewSession creates the conversation state for one room.
func NewSession(roomKey, selfID string, em Emitter, b *bus.Bus, logger *zap.Logger, cfg Config) *Session {
	return &Session{
		room:      roomKey,
		selfID:    selfID,
		emitter:   em,
		bus:       b,
		logger:    logger,
		cfg:       cfg,
		index:     make(map[string]int),
		uploads:   make(map[string]struct{}),
		ackTimers: make(map[string]*time.Timer),
	}
}

// Room returns the session's room key.
func (s *Session) Room() string {
	return s.room
}

// Hydrate applies the one-time history snapshot. It only populates an empty
// sequence: a duplicate join firing a second history event while live
// messages are already applied must not clobber them. Every historical
// identifier enters the dedup index so an in-flight live duplicate is
// recognized.
func (s *Session) Hydrate(history []*Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.messages) > 0 {
		return
	}
	for _, m := range history {
		if _, dup := s.index[m.ID]; dup {
			continue
		}
		s.classify(m)
		s.index[m.ID] = len(s.messages)
		s.messages = append(s.messages, m)
	}
	s.notify()
}

// Apply reconciles one live message event. A known identifier updates the
// existing entry in place; a message whose Ref matches a local placeholder
// confirms it, permanently retiring the placeholder from the dedup index;
// anything else appends.
func (s *Session) Apply(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if idx, ok := s.index[m.ID]; ok {
		s.mergeAt(idx, m)
		s.notify()
		return
	}

	if m.Ref != "" {
		if idx, ok := s.index[m.Ref]; ok {
			s.confirmAt(idx, m.Ref, m)
			s.notify()
			return
		}
	}

	s.classify(m)
	s.index[m.ID] = len(s.messages)
	s.messages = append(s.messages, m)
	s.notify()
}

// SendText inserts an optimistic local message and emits the send command.
// The message stays visible as sent even when the channel rejects the emit
// (offline send); the ack timer, when configured, downgrades it to failed
// if no confirmation ever arrives.
func (s *Session) SendText(body string, replyTo *ReplyRef) Message {
	msg := &Message{
		ID:        uuid.NewString(),
		SenderID:  s.selfID,
		Sender:    SenderMe,
		Kind:      KindText,
		Body:      body,
		Status:    StatusSending,
		ReplyTo:   replyTo,
		Timestamp: time.Now().UnixMilli(),
	}

	s.mu.Lock()
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	if err := s.emitter.Emit(transport.EvSendMessage, s.room, msg); err != nil {
		s.logger.Info("send while disconnected, message kept local",
			zap.String("room", s.room), zap.String("id", msg.ID))
	}

	s.mu.Lock()
	msg.Status = StatusSent
	s.armAckTimer(msg.ID)
	out := *msg
	s.mu.Unlock()

	s.notify()
	return out
}

// armAckTimer schedules the sent-to-failed downgrade for a placeholder id.
// Caller holds the lock.
func (s *Session) armAckTimer(placeholder string) {
	if s.cfg.AckTimeout <= 0 {
		return
	}
	s.ackTimers[placeholder] = time.AfterFunc(s.cfg.AckTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.ackTimers, placeholder)
		idx, ok := s.index[placeholder]
		if !ok || s.closed {
			return
		}
		m := s.messages[idx]
		if m.ID == placeholder && m.Status == StatusSent {
			m.Status = StatusFailed
			s.notify()
		}
	})
}

// Delete tombstones a message. ForEveryone additionally propagates the
// delete; either way the entry keeps its position in the timeline.
func (s *Session) Delete(id string, forEveryone bool) error {
	s.mu.Lock()
	idx, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("delete: unknown message %s", id)
	}
	s.tombstone(s.messages[idx])
	s.notify()
	s.mu.Unlock()

	if forEveryone {
		if err := s.emitter.Emit(transport.EvDeleteMessage, s.room, map[string]string{"id": id}); err != nil {
			s.logger.Warn("delete propagation dropped", zap.String("id", id), zap.Error(err))
		}
	}
	return nil
}

// ApplyDelete tombstones a message on a remote delete event. Unknown ids
// are ignored; the delete may race a history window that never contained it.
func (s *Session) ApplyDelete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.index[id]; ok {
		s.tombstone(s.messages[idx])
		s.notify()
	}
}

// Edit rewrites one of our own messages within the edit window and
// propagates the change. The window is advisory client policy.
func (s *Session) Edit(id, body string) error {
	s.mu.Lock()
	idx, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("edit: unknown message %s", id)
	}
	m := s.messages[idx]
	if m.Sender != SenderMe {
		s.mu.Unlock()
		return fmt.Errorf("edit: message %s is not ours", id)
	}
	if s.cfg.EditWindow > 0 {
		age := time.Since(time.UnixMilli(m.Timestamp))
		if age > s.cfg.EditWindow {
			s.mu.Unlock()
			return fmt.Errorf("edit: window elapsed for %s", id)
		}
	}
	m.Body = body
	m.Edited = true
	s.notify()
	s.mu.Unlock()

	if err := s.emitter.Emit(transport.EvEditMessage, s.room, map[string]string{"id": id, "body": body}); err != nil {
		s.logger.Warn("edit propagation dropped", zap.String("id", id), zap.Error(err))
	}
	return nil
}

// ApplyEdit applies a remote edit.
func (s *Session) ApplyEdit(id, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.index[id]; ok {
		s.messages[idx].Body = body
		s.messages[idx].Edited = true
		s.notify()
	}
}

// React sets a reaction locally and propagates it.
func (s *Session) React(id, reaction string) error {
	s.mu.Lock()
	idx, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("react: unknown message %s", id)
	}
	s.messages[idx].Reaction = reaction
	s.notify()
	s.mu.Unlock()

	if err := s.emitter.Emit(transport.EvReactMessage, s.room, map[string]string{"id": id, "reaction": reaction}); err != nil {
		s.logger.Warn("reaction propagation dropped", zap.String("id", id), zap.Error(err))
	}
	return nil
}

// ApplyReaction applies a remote reaction.
func (s *Session) ApplyReaction(id, reaction string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.index[id]; ok {
		s.messages[idx].Reaction = reaction
		s.notify()
	}
}

// ResolveReply returns the display content for a reply reference: the
// referenced message when hydrated, otherwise the denormalized snapshot
// captured at reply-creation time.
func (s *Session) ResolveReply(ref *ReplyRef) (string, Kind) {
	if ref == nil {
		return "", ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.index[ref.MessageID]; ok {
		m := s.messages[idx]
		return m.Body, m.Kind
	}
	return ref.Snapshot, ref.SnapshotKind
}

// InsertUpload inserts the optimistic placeholder for an upload task and
// tracks its correlation token.
func (s *Session) InsertUpload(m *Message, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.index[m.ID] = len(s.messages)
	s.messages = append(s.messages, m)
	s.uploads[token] = struct{}{}
	s.notify()
}

// ResolveUpload finishes an upload task: the affected message is found by
// placeholder id or by token (the gateway may echo either), the final
// remote reference and server identifier are merged in, and the placeholder
// id is retired from the dedup index in favor of the server id so a
// redundant live event for the same item is recognized as already present.
func (s *Session) ResolveUpload(placeholderID, token, serverID, fileURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, token)

	key := placeholderID
	idx, ok := s.index[key]
	if !ok {
		key = token
		idx, ok = s.index[key]
	}
	if !ok {
		return false
	}

	m := s.messages[idx]
	if serverID != "" && serverID != key {
		delete(s.index, key)
		m.ID = serverID
		s.index[serverID] = idx
	}
	if fileURL != "" {
		m.FileURL = fileURL
	}
	m.Status = StatusSent
	s.notify()
	return true
}

// FailUpload marks an upload task's message failed, leaving its content
// visible. There is no automatic retry; a retry is a new task.
func (s *Session) FailUpload(placeholderID, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, token)

	idx, ok := s.index[placeholderID]
	if !ok {
		idx, ok = s.index[token]
	}
	if !ok {
		return false
	}
	s.messages[idx].Status = StatusFailed
	s.notify()
	return true
}

// PendingUploads reports how many upload tokens are unresolved.
func (s *Session) PendingUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// Messages returns a snapshot copy of the visible sequence.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = *m
	}
	return out
}

// Close detaches the session. Late-arriving events for a closed session are
// silently dropped, never misapplied.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.ackTimers {
		t.Stop()
		delete(s.ackTimers, id)
	}
}

// mergeAt patches an existing entry in place, preserving its position.
func (s *Session) mergeAt(idx int, in *Message) {
	m := s.messages[idx]
	if in.Body != "" {
		m.Body = in.Body
	}
	if in.Status != "" {
		m.Status = in.Status
	}
	if in.FileURL != "" {
		m.FileURL = in.FileURL
	}
	if in.Reaction != "" {
		m.Reaction = in.Reaction
	}
	if in.Edited {
		m.Edited = true
	}
	if in.Deleted {
		s.tombstone(m)
	}
}

// confirmAt promotes a placeholder to its server identifier exactly once,
// cancelling any pending ack timer for it.
func (s *Session) confirmAt(idx int, placeholder string, in *Message) {
	m := s.messages[idx]
	delete(s.index, placeholder)
	m.ID = in.ID
	s.index[in.ID] = idx
	s.mergeAt(idx, in)
	if m.Status == "" || m.Status == StatusSending {
		m.Status = StatusSent
	}
	if t, ok := s.ackTimers[placeholder]; ok {
		t.Stop()
		delete(s.ackTimers, placeholder)
	}
}

func (s *Session) tombstone(m *Message) {
	m.Deleted = true
	m.Body = ""
	m.Reaction = ""
	m.FileURL = ""
}

// classify fills in the sender perspective when the gateway left it blank.
func (s *Session) classify(m *Message) {
	if m.Sender != "" {
		return
	}
	switch {
	case m.Kind == KindSystem:
		m.Sender = SenderSystem
	case m.SenderID == s.selfID:
		m.Sender = SenderMe
	default:
		m.Sender = SenderThem
	}
}

// notify publishes a chat.updated event for UI observers. Safe to call with
// or without the lock held; the bus never blocks.
func (s *Session) notify() {
	s.bus.Emit("chat.updated", s.room, nil)
}
