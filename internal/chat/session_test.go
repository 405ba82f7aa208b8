package chat

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"runnerlink/internal/bus"
	"runnerlink/internal/transport"
)

// recordingEmitter records emitted frames; connected controls whether emits
// are accepted or dropped.
type recordingEmitter struct {
	events    []string
	connected bool
}

func (r *recordingEmitter) Emit(event, _ string, _ any) error {
	if !r.connected {
		return transport.ErrNotConnected
	}
	r.events = append(r.events, event)
	return nil
}

func newTestSession(cfg Config) (*Session, *recordingEmitter) {
	em := &recordingEmitter{connected: true}
	s := NewSession("chat-room:1", "self", em, bus.New(), zap.NewNop(), cfg)
	return s, em
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestHydrateOnlyWhenEmpty(t *testing.T) {
	s, _ := newTestSession(Config{})

	// A live message lands before history (hydration callback lost the race).
	s.Apply(&Message{ID: "m2", SenderID: "peer", Kind: KindText, Body: "live"})

	// The late history snapshot must not clobber the populated list.
	s.Hydrate([]*Message{
		{ID: "m1", SenderID: "peer", Kind: KindText, Body: "old"},
		{ID: "m2", SenderID: "peer", Kind: KindText, Body: "live"},
	})

	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Errorf("messages = %v, want [m2] only", ids(msgs))
	}
}

func TestHydrateThenLiveDuplicate(t *testing.T) {
	s, _ := newTestSession(Config{})

	s.Hydrate([]*Message{
		{ID: "m1", SenderID: "peer", Kind: KindText, Body: "one"},
		{ID: "m2", SenderID: "peer", Kind: KindText, Body: "two"},
	})

	// A live copy of a historical message must update, never duplicate.
	s.Apply(&Message{ID: "m1", Status: StatusRead})

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Status != StatusRead || msgs[0].Body != "one" {
		t.Errorf("m1 = %+v, want body=one status=read (patched in place)", msgs[0])
	}
}

func TestApplyIdempotent(t *testing.T) {
	s, _ := newTestSession(Config{})

	m := &Message{ID: "m1", SenderID: "peer", Kind: KindText, Body: "hello"}
	s.Apply(m)
	s.Apply(&Message{ID: "m1", SenderID: "peer", Kind: KindText, Body: "hello"})

	if got := len(s.Messages()); got != 1 {
		t.Errorf("got %d messages, want 1 (duplicate delivery absorbed)", got)
	}
}

func TestPlaceholderConfirmedByRef(t *testing.T) {
	s, _ := newTestSession(Config{})

	sent := s.SendText("Pickup at Mile 2 Market", nil)
	if sent.Status != StatusSent {
		t.Fatalf("optimistic status = %s, want sent", sent.Status)
	}

	// Server confirms with its own id, echoing the placeholder in ref.
	s.Apply(&Message{ID: "S1", Ref: sent.ID, Status: StatusDelivered})

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want exactly 1 after confirmation", len(msgs))
	}
	if msgs[0].ID != "S1" {
		t.Errorf("id = %q, want S1", msgs[0].ID)
	}
	if msgs[0].Body != "Pickup at Mile 2 Market" {
		t.Errorf("body lost in confirmation: %q", msgs[0].Body)
	}

	// A redundant live event under the server id must not duplicate.
	s.Apply(&Message{ID: "S1", Status: StatusRead})
	if got := len(s.Messages()); got != 1 {
		t.Errorf("got %d messages after redundant event, want 1", got)
	}

	// The placeholder id is permanently retired from the index.
	if _, kind := s.ResolveReply(&ReplyRef{MessageID: sent.ID}); kind != "" {
		t.Error("placeholder id still resolvable after retirement")
	}
}

func TestSendWhileOffline(t *testing.T) {
	s, em := newTestSession(Config{})
	em.connected = false

	// The message stays local with sent status; there is no rollback path.
	sent := s.SendText("Pickup at Mile 2 Market", nil)
	if sent.Status != StatusSent {
		t.Errorf("status = %s, want sent (no rollback path)", sent.Status)
	}
	if got := len(s.Messages()); got != 1 {
		t.Errorf("got %d messages, want 1", got)
	}
}

func TestAckTimeoutFlipsToFailed(t *testing.T) {
	s, _ := newTestSession(Config{AckTimeout: 30 * time.Millisecond})

	s.SendText("hello", nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Messages()[0].Status == StatusFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := s.Messages()[0].Status; got != StatusFailed {
		t.Fatalf("status = %s, want failed after ack timeout", got)
	}
}

func TestAckTimeoutCancelledByConfirmation(t *testing.T) {
	s, _ := newTestSession(Config{AckTimeout: 50 * time.Millisecond})

	sent := s.SendText("hello", nil)
	s.Apply(&Message{ID: "S9", Ref: sent.ID})

	time.Sleep(120 * time.Millisecond)
	if got := s.Messages()[0].Status; got == StatusFailed {
		t.Error("confirmed message flipped to failed by stale ack timer")
	}
}

func TestDeleteForMeIsLocalOnly(t *testing.T) {
	s, em := newTestSession(Config{})
	s.Apply(&Message{ID: "m1", SenderID: "self", Kind: KindText, Body: "oops"})

	if err := s.Delete("m1", false); err != nil {
		t.Fatal(err)
	}

	msgs := s.Messages()
	if !msgs[0].Deleted || msgs[0].Body != "" {
		t.Errorf("m1 = %+v, want tombstoned", msgs[0])
	}
	if len(msgs) != 1 {
		t.Error("tombstoned message removed from sequence; position must be preserved")
	}
	for _, ev := range em.events {
		if ev == transport.EvDeleteMessage {
			t.Error("delete-for-me must not propagate")
		}
	}
}

func TestDeleteForEveryonePropagates(t *testing.T) {
	s, em := newTestSession(Config{})
	s.Apply(&Message{ID: "m1", SenderID: "self", Kind: KindText, Body: "oops"})

	if err := s.Delete("m1", true); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, ev := range em.events {
		if ev == transport.EvDeleteMessage {
			found = true
		}
	}
	if !found {
		t.Error("delete-for-everyone did not emit deleteMessage")
	}
}

func TestEditWindow(t *testing.T) {
	s, _ := newTestSession(Config{EditWindow: time.Minute})

	sent := s.SendText("typo", nil)
	if err := s.Edit(sent.ID, "fixed"); err != nil {
		t.Fatalf("Edit() within window: %v", err)
	}
	msgs := s.Messages()
	if msgs[0].Body != "fixed" || !msgs[0].Edited {
		t.Errorf("m = %+v, want edited body=fixed", msgs[0])
	}

	// A stale message is past the window.
	s.Apply(&Message{ID: "old", SenderID: "self", Sender: SenderMe, Kind: KindText,
		Body: "ancient", Timestamp: time.Now().Add(-2 * time.Minute).UnixMilli()})
	if err := s.Edit("old", "nope"); err == nil {
		t.Error("Edit() past window should fail")
	}
}

func TestEditRejectsTheirMessage(t *testing.T) {
	s, _ := newTestSession(Config{})
	s.Apply(&Message{ID: "m1", SenderID: "peer", Kind: KindText, Body: "theirs"})

	if err := s.Edit("m1", "mine now"); err == nil {
		t.Error("Edit() on another sender's message should fail")
	}
}

func TestReaction(t *testing.T) {
	s, _ := newTestSession(Config{})
	s.Apply(&Message{ID: "m1", SenderID: "peer", Kind: KindText, Body: "hi"})

	if err := s.React("m1", "👍"); err != nil {
		t.Fatal(err)
	}
	if got := s.Messages()[0].Reaction; got != "👍" {
		t.Errorf("reaction = %q, want 👍", got)
	}

	s.ApplyReaction("m1", "❤️")
	if got := s.Messages()[0].Reaction; got != "❤️" {
		t.Errorf("reaction = %q, want ❤️ (remote wins)", got)
	}
}

func TestResolveReplyFallsBackToSnapshot(t *testing.T) {
	s, _ := newTestSession(Config{})
	s.Apply(&Message{ID: "m1", SenderID: "peer", Kind: KindText, Body: "original"})

	// Hydrated reference resolves live.
	body, kind := s.ResolveReply(&ReplyRef{MessageID: "m1", Snapshot: "stale copy", SnapshotKind: KindText})
	if body != "original" || kind != KindText {
		t.Errorf("resolved = %q/%s, want original/text", body, kind)
	}

	// Unhydrated reference falls back to the denormalized snapshot.
	body, kind = s.ResolveReply(&ReplyRef{MessageID: "gone", Snapshot: "what was said", SnapshotKind: KindText})
	if body != "what was said" {
		t.Errorf("fallback = %q, want snapshot", body)
	}
}

func TestSenderClassification(t *testing.T) {
	s, _ := newTestSession(Config{})
	s.Hydrate([]*Message{
		{ID: "m1", SenderID: "self", Kind: KindText},
		{ID: "m2", SenderID: "peer", Kind: KindText},
		{ID: "m3", Kind: KindSystem},
	})

	msgs := s.Messages()
	want := []Sender{SenderMe, SenderThem, SenderSystem}
	for i, w := range want {
		if msgs[i].Sender != w {
			t.Errorf("msgs[%d].Sender = %s, want %s", i, msgs[i].Sender, w)
		}
	}
}

func TestClosedSessionDropsLateEvents(t *testing.T) {
	s, _ := newTestSession(Config{})
	s.Apply(&Message{ID: "m1", SenderID: "peer", Kind: KindText})
	s.Close()

	s.Apply(&Message{ID: "m2", SenderID: "peer", Kind: KindText})
	if got := len(s.Messages()); got != 1 {
		t.Errorf("got %d messages after close, want 1 (late events dropped)", got)
	}
}
