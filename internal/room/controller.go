package room

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"runnerlink/internal/transport"
)

// Emitter sends named events over the connection. Satisfied by the
// connection manager; emits while disconnected return an error and are
// treated as deferred (the intent replays on the next connect).
type Emitter interface {
	Emit(event, room string, payload any) error
}

// Intent is a declared desire to belong to a named logical room. Intents
// are idempotent and replayable: re-asserting an already-joined intent is
// side-effect-free server-side, so the controller re-emits every intent
// after each reconnect.
type Intent struct {
	Key    string
	Params map[string]any
}

// Controller tracks room intents and replays them across reconnects.
// It is optimistic: no server acknowledgement is required for an intent
// to count as active client-side.
type Controller struct {
	mu      sync.Mutex
	intents map[string]Intent
	logger  *zap.Logger
}

// NewController creates an empty membership controller.
func NewController(logger *zap.Logger) *Controller {
	return &Controller{
		intents: make(map[string]Intent),
		logger:  logger,
	}
}

// Declare registers an intent and emits the join immediately when the
// emitter is connected. Re-declaring a known intent is a no-op. A failed
// emit is not an error for the caller: the intent is kept and replays on
// the next connect.
func (c *Controller) Declare(in Intent, em Emitter) {
	c.mu.Lock()
	if _, exists := c.intents[in.Key]; exists {
		c.mu.Unlock()
		return
	}
	c.intents[in.Key] = in
	c.mu.Unlock()

	if em == nil {
		return
	}
	if err := em.Emit(transport.EvJoinRoom, in.Key, in.Params); err != nil {
		c.logger.Info("join deferred until connected", zap.String("room", in.Key))
	}
}

// Revoke removes an intent from the replay set. Unknown keys are ignored.
func (c *Controller) Revoke(key string) {
	c.mu.Lock()
	delete(c.intents, key)
	c.mu.Unlock()
}

// Replay re-emits a join for every declared intent. Called by the
// connection manager on each transition to connected, before dependents
// are told the connection is ready.
func (c *Controller) Replay(em Emitter) {
	c.mu.Lock()
	intents := make([]Intent, 0, len(c.intents))
	for _, in := range c.intents {
		intents = append(intents, in)
	}
	c.mu.Unlock()

	for _, in := range intents {
		if err := em.Emit(transport.EvJoinRoom, in.Key, in.Params); err != nil {
			c.logger.Warn("intent replay failed", zap.String("room", in.Key), zap.Error(err))
		}
	}
}

// Declared reports whether an intent for the given key is active.
func (c *Controller) Declared(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.intents[key]
	return ok
}

// UserRoom is the room key for a user's own notification scope.
func UserRoom(userID string) string {
	return fmt.Sprintf("user-room:%s", userID)
}

// RunnerRoom is the room key for a runner's dispatch scope per service type.
func RunnerRoom(runnerID, serviceType string) string {
	return fmt.Sprintf("runner-room:%s:%s", runnerID, serviceType)
}

// ChatRoom is the room key for one conversation.
func ChatRoom(chatID string) string {
	return fmt.Sprintf("chat-room:%s", chatID)
}
