package upload

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"runnerlink/internal/chat"
	"runnerlink/internal/transport"
)

// ErrTooManyUploads is returned when a room already has the configured
// number of unresolved upload tasks. Backpressure, not queueing.
var ErrTooManyUploads = errors.New("upload: too many uploads in flight")

// Emitter sends named events over the connection.
type Emitter interface {
	Emit(event, room string, payload any) error
}

// Result is the terminal payload of an upload task, delivered by either the
// uploadFileSuccess or uploadFileError gateway event.
type Result struct {
	Token     string `json:"token"`
	MessageID string `json:"messageId,omitempty"`
	FileURL   string `json:"fileUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

type commandPayload struct {
	Token       string `json:"token"`
	MessageID   string `json:"messageId"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

// task correlates an in-flight upload back to the optimistic message that
// triggered it.
type task struct {
	session       *chat.Session
	placeholderID string
	room          string
}

// Tracker maps client-generated correlation tokens to pending upload tasks.
// Each task resolves exactly once, by success or failure; tokens are never
// reused; tasks for a left room are abandoned without further mutation.
type Tracker struct {
	emitter Emitter
	limit   int
	logger  *zap.Logger

	mu    sync.Mutex
	tasks map[string]task
}

// NewTracker creates a tracker. limit bounds concurrent tasks per room;
// zero or negative disables the bound.
func NewTracker(em Emitter, limit int, logger *zap.Logger) *Tracker {
	return &Tracker{
		emitter: em,
		limit:   limit,
		logger:  logger,
		tasks:   make(map[string]task),
	}
}

// Begin creates an upload task: it inserts the optimistic placeholder
// message into the session synchronously, then emits the upload command
// carrying the correlation token. The returned message shows status
// uploading until the task resolves.
func (t *Tracker) Begin(s *chat.Session, payload []byte, contentType string, kind chat.Kind, senderID string) (chat.Message, error) {
	roomKey := s.Room()

	t.mu.Lock()
	if t.limit > 0 {
		inFlight := 0
		for _, tk := range t.tasks {
			if tk.room == roomKey {
				inFlight++
			}
		}
		if inFlight >= t.limit {
			t.mu.Unlock()
			return chat.Message{}, ErrTooManyUploads
		}
	}

	token := uuid.NewString()
	msg := &chat.Message{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		Sender:    chat.SenderMe,
		Kind:      kind,
		Status:    chat.StatusUploading,
		Timestamp: time.Now().UnixMilli(),
	}
	t.tasks[token] = task{session: s, placeholderID: msg.ID, room: roomKey}
	t.mu.Unlock()

	s.InsertUpload(msg, token)

	if err := t.emitter.Emit(transport.EvUploadFile, roomKey, commandPayload{
		Token:       token,
		MessageID:   msg.ID,
		ContentType: contentType,
		Data:        payload,
	}); err != nil {
		t.logger.Warn("upload command dropped",
			zap.String("token", token), zap.Error(err))
	}

	return *msg, nil
}

// Resolve finishes a task successfully, merging the remote reference into
// the message and handing the dedup entry over from placeholder to server
// identifier. Unknown or already-resolved tokens are ignored.
func (t *Tracker) Resolve(res Result) {
	tk, ok := t.take(res.Token)
	if !ok {
		return
	}
	if !tk.session.ResolveUpload(tk.placeholderID, res.Token, res.MessageID, res.FileURL) {
		t.logger.Warn("upload resolved for unknown message",
			zap.String("token", res.Token), zap.String("room", tk.room))
		return
	}
	t.logger.Info("upload complete",
		zap.String("token", res.Token), zap.String("msg_id", res.MessageID))
}

// Fail finishes a task with a failure: the message flips to failed and
// stays visible. No automatic retry.
func (t *Tracker) Fail(res Result) {
	tk, ok := t.take(res.Token)
	if !ok {
		return
	}
	tk.session.FailUpload(tk.placeholderID, res.Token)
	t.logger.Warn("upload failed",
		zap.String("token", res.Token), zap.String("reason", res.Error))
}

// take removes and returns the task for a token, enforcing resolve-once.
func (t *Tracker) take(token string) (task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[token]
	if ok {
		delete(t.tasks, token)
	}
	return tk, ok
}

// AbandonRoom drops every task for a room that is being left. Late terminal
// events for those tokens are ignored from then on.
func (t *Tracker) AbandonRoom(roomKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for token, tk := range t.tasks {
		if tk.room == roomKey {
			delete(t.tasks, token)
		}
	}
}

// InFlight reports how many tasks are unresolved for a room.
func (t *Tracker) InFlight(roomKey string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, tk := range t.tasks {
		if tk.room == roomKey {
			n++
		}
	}
	return n
}
