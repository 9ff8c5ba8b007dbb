package store

// Kind classifies a message row.
type Kind string

const (
	KindText            Kind = "text"
	KindAttachment      Kind = "attachment"
	KindNotify          Kind = "notify"
	KindSharedContact   Kind = "shared_contact"
	KindForwardedBundle Kind = "forwarded_bundle"
)

// Room is a conversation.
type Room struct {
	ID        string
	Name      string
	IsGroup   bool
	UpdatedAt int64
}

// Contact maps a user id to a display name.
type Contact struct {
	UserID   string
	Name     string
	Nickname string
}

// Message is one row of a room's timeline. OrderKey is server assigned and
// strictly the sort key; SentAt is the sender's clock and only used for
// day boundaries.
type Message struct {
	ID        string
	RoomID    string
	AuthorID  string
	SentAt    int64
	OrderKey  int64
	Kind      Kind
	Body      string
	Ephemeral bool
	IsMine    bool
}

// Selectable reports whether the message may be picked in edit mode.
func (m Message) Selectable() bool {
	return !m.Ephemeral && m.Kind != KindNotify
}

// ReadInfo is one user's read position in a room.
type ReadInfo struct {
	RoomID   string
	UserID   string
	Position int64
}

// ViewReceipt records that a confidential message was revealed.
// DeletedAt stays zero until the batch deletion removed the message.
type ViewReceipt struct {
	MessageID   string
	RoomID      string
	AuthorID    string
	Position    int64
	ReceiptedAt int64
	DeletedAt   int64
}

// Deletion is one entry of the message deletion log.
type Deletion struct {
	Seq       int64
	MessageID string
	RoomID    string
}

// OutboxEntry is a view receipt waiting to be delivered.
type OutboxEntry struct {
	ID           int64
	OutboxID     string
	MessageID    string
	RoomID       string
	AuthorID     string
	Position     int64
	Status       string // queued, sending, sent, failed
	ErrorMessage string
}
