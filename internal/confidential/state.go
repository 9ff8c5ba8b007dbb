package confidential

import (
	"fmt"
	"slices"
	"time"
)

// State is the lifecycle stage of a confidential message.
type State string

const (
	Unseen    State = "UNSEEN"
	Pending   State = "PENDING"
	Receipted State = "RECEIPTED"
	Deleted   State = "DELETED"
)

// validTransitions defines allowed state transitions. Own messages stop at
// Pending: no receipt is sent to oneself and nothing is deleted.
var validTransitions = map[State][]State{
	Unseen:    {Pending},
	Pending:   {Receipted},
	Receipted: {Deleted},
	Deleted:   {},
}

// Entry is the lifecycle record of one confidential message.
type Entry struct {
	MessageID    string
	RoomID       string
	AuthorID     string
	OrderKey     int64
	IsMine       bool
	State        State
	VisibleSince time.Time
	SeenAt       time.Time
	ReceiptedAt  time.Time
}

func (e *Entry) transition(to State) error {
	if e.State == to {
		return nil
	}
	if !slices.Contains(validTransitions[e.State], to) {
		return fmt.Errorf("invalid transition from %s to %s", e.State, to)
	}
	if e.IsMine && to == Receipted {
		return fmt.Errorf("invalid transition from %s to %s for own message", e.State, to)
	}
	e.State = to
	return nil
}
