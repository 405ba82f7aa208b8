package transport

import (
	"encoding/json"
	"fmt"
)

// Outbound command events emitted by the engine.
const (
	EvAuthenticate  = "authenticate"
	EvJoinRoom      = "joinRoom"
	EvSendMessage   = "sendMessage"
	EvUploadFile    = "uploadFile"
	EvDeleteMessage = "deleteMessage"
	EvEditMessage   = "editMessage"
	EvReactMessage  = "reactToMessage"
	EvTyping        = "typing"
	EvInitiateCall  = "initiateCall"
	EvAcceptCall    = "acceptCall"
	EvDeclineCall   = "declineCall"
	EvEndCall       = "endCall"
)

// Inbound events delivered by the gateway.
const (
	EvChatHistory     = "chatHistory"
	EvMessage         = "message"
	EvMessageDeleted  = "messageDeleted"
	EvMessageEdited   = "messageEdited"
	EvMessageReaction = "messageReaction"
	EvUploadSuccess   = "uploadFileSuccess"
	EvUploadError     = "uploadFileError"
	EvIncomingCall    = "incomingCall"
	EvCallAccepted    = "callAccepted"
	EvCallDeclined    = "callDeclined"
	EvCallEnded       = "callEnded"
	EvCallToken       = "callToken"
)

// InboundPrefix is the bus namespace under which inbound gateway events are
// republished, e.g. "net.message" for the wire event "message".
const InboundPrefix = "net."

// Frame is the JSON envelope carried on the wire in both directions.
type Frame struct {
	Event string          `json:"event"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds a frame, marshaling payload into Data. A nil payload
// produces an empty Data field.
func NewFrame(event, room string, payload any) (Frame, error) {
	f := Frame{Event: event, Room: room}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	f.Data = data
	return f, nil
}

// Decode unmarshals the frame's data into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("decode %s: empty payload", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Event, err)
	}
	return nil
}
