package upload

import (
	"testing"

	"go.uber.org/zap"

	"runnerlink/internal/bus"
	"runnerlink/internal/chat"
	"runnerlink/internal/transport"
)

type recordingEmitter struct {
	frames []recorded
}

type recorded struct {
	event string
	room  string
}

func (r *recordingEmitter) Emit(event, room string, _ any) error {
	r.frames = append(r.frames, recorded{event, room})
	return nil
}

func newFixture(limit int) (*Tracker, *chat.Session, *recordingEmitter) {
	em := &recordingEmitter{}
	s := chat.NewSession("chat-room:1", "self", em, bus.New(), zap.NewNop(), chat.Config{})
	tr := NewTracker(em, limit, zap.NewNop())
	return tr, s, em
}

func TestBeginInsertsPlaceholderAndEmits(t *testing.T) {
	tr, s, em := newFixture(0)

	msg, err := tr.Begin(s, []byte("img-bytes"), "image/jpeg", chat.KindImage, "self")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != chat.StatusUploading {
		t.Errorf("status = %s, want uploading", msg.Status)
	}

	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].ID != msg.ID {
		t.Fatalf("placeholder not inserted: %v", msgs)
	}
	if s.PendingUploads() != 1 {
		t.Errorf("pending uploads = %d, want 1", s.PendingUploads())
	}

	found := false
	for _, f := range em.frames {
		if f.event == transport.EvUploadFile && f.room == "chat-room:1" {
			found = true
		}
	}
	if !found {
		t.Error("uploadFile command not emitted")
	}
}

// The server sends uploadFileSuccess carrying message id M-99, then (as some
// backends do) a redundant live message event for the same M-99. The final
// visible list must contain exactly one entry for M-99 with the resolved
// content.
func TestSuccessThenRedundantLiveEvent(t *testing.T) {
	tr, s, _ := newFixture(0)

	if _, err := tr.Begin(s, []byte("data"), "image/png", chat.KindImage, "self"); err != nil {
		t.Fatal(err)
	}

	token := tokenFor(t, tr, s)
	tr.Resolve(Result{Token: token, MessageID: "M-99", FileURL: "https://cdn/x.png"})

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != "M-99" || msgs[0].Status != chat.StatusSent || msgs[0].FileURL != "https://cdn/x.png" {
		t.Errorf("resolved = %+v, want id=M-99 sent with file url", msgs[0])
	}
	if s.PendingUploads() != 0 {
		t.Errorf("pending uploads = %d, want 0", s.PendingUploads())
	}

	// Redundant live echo of the same item.
	s.Apply(&chat.Message{ID: "M-99", Kind: chat.KindImage, SenderID: "self"})
	if got := len(s.Messages()); got != 1 {
		t.Errorf("got %d messages after redundant event, want 1", got)
	}
}

func TestFailureLeavesContentVisible(t *testing.T) {
	tr, s, _ := newFixture(0)

	if _, err := tr.Begin(s, []byte("data"), "video/mp4", chat.KindVideo, "self"); err != nil {
		t.Fatal(err)
	}
	token := tokenFor(t, tr, s)
	tr.Fail(Result{Token: token, Error: "too large"})

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (failed item stays visible)", len(msgs))
	}
	if msgs[0].Status != chat.StatusFailed {
		t.Errorf("status = %s, want failed", msgs[0].Status)
	}
}

func TestResolveOnce(t *testing.T) {
	tr, s, _ := newFixture(0)

	if _, err := tr.Begin(s, []byte("d"), "image/png", chat.KindImage, "self"); err != nil {
		t.Fatal(err)
	}
	token := tokenFor(t, tr, s)

	tr.Resolve(Result{Token: token, MessageID: "M-1"})
	// A racing failure for the same token must be ignored.
	tr.Fail(Result{Token: token, Error: "late"})

	if got := s.Messages()[0].Status; got != chat.StatusSent {
		t.Errorf("status = %s, want sent (second resolution ignored)", got)
	}
}

func TestInFlightBound(t *testing.T) {
	tr, s, _ := newFixture(2)

	for i := 0; i < 2; i++ {
		if _, err := tr.Begin(s, []byte("d"), "image/png", chat.KindImage, "self"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := tr.Begin(s, []byte("d"), "image/png", chat.KindImage, "self"); err != ErrTooManyUploads {
		t.Errorf("Begin() error = %v, want ErrTooManyUploads", err)
	}
}

func TestAbandonRoomIgnoresLateResolution(t *testing.T) {
	tr, s, _ := newFixture(0)

	if _, err := tr.Begin(s, []byte("d"), "image/png", chat.KindImage, "self"); err != nil {
		t.Fatal(err)
	}
	token := tokenFor(t, tr, s)

	tr.AbandonRoom("chat-room:1")
	if tr.InFlight("chat-room:1") != 0 {
		t.Fatal("tasks not abandoned")
	}

	tr.Resolve(Result{Token: token, MessageID: "M-7"})
	if got := s.Messages()[0].Status; got != chat.StatusUploading {
		t.Errorf("status = %s, want uploading untouched after abandon", got)
	}
}

// tokenFor digs the correlation token of the single in-flight task out of
// the tracker.
func tokenFor(t *testing.T, tr *Tracker, _ *chat.Session) string {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tr.tasks))
	}
	for token := range tr.tasks {
		return token
	}
	return ""
}
