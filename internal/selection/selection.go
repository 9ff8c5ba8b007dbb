// Package selection holds the edit-mode selection of one conversation.
package selection

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/matheus3301/msglist/internal/store"
)

var (
	// ErrSelectionRejected is returned when a message cannot be selected.
	ErrSelectionRejected = errors.New("message not selectable")
	// ErrNotEditing is returned by Toggle outside edit mode.
	ErrNotEditing = errors.New("not in edit mode")
)

// Source answers selection queries against the message store.
type Source interface {
	SelectableCount(ctx context.Context, roomID string) (int, error)
	GetMessages(ctx context.Context, ids []string) ([]store.Message, error)
}

// State is an immutable view of the selection.
type State struct {
	EditMode        bool
	Selected        map[string]struct{}
	TotalSelectable int
}

// Has reports whether id is selected.
func (s State) Has(id string) bool {
	_, ok := s.Selected[id]
	return ok
}

// AllSelected reports whether every selectable message of the room is selected.
func (s State) AllSelected() bool {
	return s.EditMode && s.TotalSelectable > 0 && len(s.Selected) >= s.TotalSelectable
}

// Selection is safe for concurrent use.
type Selection struct {
	roomID string
	src    Source

	mu       sync.Mutex
	editMode bool
	selected map[string]struct{}
	total    int
}

// New creates an empty selection for a room.
func New(roomID string, src Source) *Selection {
	return &Selection{
		roomID:   roomID,
		src:      src,
		selected: make(map[string]struct{}),
	}
}

// SetEditMode enters or leaves edit mode. Leaving clears the selection;
// entering recounts the room's selectable messages.
func (s *Selection) SetEditMode(ctx context.Context, on bool) error {
	if !on {
		s.mu.Lock()
		s.editMode = false
		clear(s.selected)
		s.total = 0
		s.mu.Unlock()
		return nil
	}
	total, err := s.src.SelectableCount(ctx, s.roomID)
	if err != nil {
		return fmt.Errorf("count selectable: %w", err)
	}
	s.mu.Lock()
	s.editMode = true
	s.total = total
	s.mu.Unlock()
	return nil
}

// Toggle selects or deselects a message.
func (s *Selection) Toggle(msg store.Message, selected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.editMode {
		return ErrNotEditing
	}
	if !msg.Selectable() {
		return fmt.Errorf("select %s: %w", msg.ID, ErrSelectionRejected)
	}
	if selected {
		s.selected[msg.ID] = struct{}{}
	} else {
		delete(s.selected, msg.ID)
	}
	return nil
}

// Retain drops selected ids that are not in loaded and returns them sorted.
func (s *Selection) Retain(loaded map[string]struct{}) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped []string
	for id := range s.selected {
		if _, ok := loaded[id]; !ok {
			dropped = append(dropped, id)
			delete(s.selected, id)
		}
	}
	slices.Sort(dropped)
	return dropped
}

// Snapshot returns a copy of the selection.
func (s *Selection) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		EditMode:        s.editMode,
		Selected:        maps.Clone(s.selected),
		TotalSelectable: s.total,
	}
}

// Collect returns the selected messages in order key order and leaves
// edit mode, as the forward and combine actions do.
func (s *Selection) Collect(ctx context.Context) ([]store.Message, error) {
	s.mu.Lock()
	ids := slices.Sorted(maps.Keys(s.selected))
	s.mu.Unlock()

	msgs, err := s.src.GetMessages(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("collect selection: %w", err)
	}
	if err := s.SetEditMode(ctx, false); err != nil {
		return nil, err
	}
	return msgs, nil
}
