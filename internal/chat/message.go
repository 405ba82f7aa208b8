package chat

// Sender classifies who authored a message relative to the local identity.
type Sender string

const (
	SenderMe     Sender = "me"
	SenderThem   Sender = "them"
	SenderSystem Sender = "system"
)

// Kind is the content kind of a message.
type Kind string

const (
	KindText           Kind = "text"
	KindImage          Kind = "image"
	KindVideo          Kind = "video"
	KindAudio          Kind = "audio"
	KindFile           Kind = "file"
	KindSystem         Kind = "system"
	KindPaymentRequest Kind = "payment_request"
	KindTracking       Kind = "tracking"
)

// Status is the delivery status of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
	StatusUploading Status = "uploading"
)

// ReplyRef links a message to the one it replies to. Snapshot and
// SnapshotKind denormalize the original content so the reply renders even
// when the referenced message is not in the hydrated window.
type ReplyRef struct {
	MessageID    string `json:"messageId"`
	Snapshot     string `json:"snapshot,omitempty"`
	SnapshotKind Kind   `json:"snapshotKind,omitempty"`
}

// Message is the unit of chat content. Before server confirmation the ID is
// a client-generated placeholder; the gateway echoes it back in Ref when it
// assigns the permanent identifier.
type Message struct {
	ID        string    `json:"id"`
	Ref       string    `json:"ref,omitempty"`
	SenderID  string    `json:"senderId"`
	Sender    Sender    `json:"sender,omitempty"`
	Kind      Kind      `json:"kind"`
	Body      string    `json:"body,omitempty"`
	FileURL   string    `json:"fileUrl,omitempty"`
	Status    Status    `json:"status,omitempty"`
	ReplyTo   *ReplyRef `json:"replyTo,omitempty"`
	Reaction  string    `json:"reaction,omitempty"`
	Edited    bool      `json:"edited,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	Timestamp int64     `json:"timestamp"`
}
