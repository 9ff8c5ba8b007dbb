package bus

import (
	"time"

	"github.com/matheus3301/msglist/internal/store"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by namespace prefix ("message.", "read.").
const (
	KindLiveMessage     = "live.message"
	KindMessageUpserted = "message.upserted"
	KindMessageDeleted  = "message.deleted"
	KindReadChanged     = "read.changed"
	KindReceiptQueued   = "receipt.queued"
	KindReceiptSent     = "receipt.sent"
	KindReceiptFailed   = "receipt.failed"
)

// MessagePayload carries a single message.
type MessagePayload struct {
	Message store.Message
}

// DeletedPayload lists messages removed from a room.
type DeletedPayload struct {
	RoomID string
	IDs    []string
}

// ReadPayload carries an advanced read position.
type ReadPayload struct {
	Info store.ReadInfo
}

// ReceiptPayload carries a view receipt moving through the outbox.
type ReceiptPayload struct {
	OutboxID string
	Receipt  store.ViewReceipt
	Err      string
}
