package call

import "context"

// Tracks describes the local media tracks published into a call.
type Tracks struct {
	Audio bool
	Video bool
}

// Participant is a remote member of the media room.
type Participant struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // audio | video
}

// Media is the narrow contract with the external real-time audio/video
// capability. The engine only drives these four operations and reacts to
// the userPublished/userUnpublished/userLeft events the capability raises
// (delivered on the bus under the "media." namespace).
type Media interface {
	JoinRoom(ctx context.Context, appID, roomName, token, localID string) error
	Publish(ctx context.Context, tracks Tracks) error
	Subscribe(remoteID, kind string) error
	Leave() error
}

// Bus event kinds raised by media capability adapters.
const (
	KindUserPublished   = "media.userPublished"
	KindUserUnpublished = "media.userUnpublished"
	KindUserLeft        = "media.userLeft"
)

// NullMedia is the stand-in used when the host process has no audio/video
// hardware (e.g. the headless daemon). Every join fails, which forces the
// signaling machine back to idle by its normal failure path.
type NullMedia struct{}

func (NullMedia) JoinRoom(context.Context, string, string, string, string) error {
	return ErrNoMedia
}
func (NullMedia) Publish(context.Context, Tracks) error { return ErrNoMedia }
func (NullMedia) Subscribe(string, string) error        { return ErrNoMedia }
func (NullMedia) Leave() error                          { return nil }
