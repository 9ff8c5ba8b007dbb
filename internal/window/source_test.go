package window

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/msglist/internal/store"
)

// memSource is an in-memory Source with the same range semantics as store.DB.
type memSource struct {
	mu      sync.Mutex
	rows    []store.Message
	queries int
	err     error
	gate    chan struct{}
}

func newMemSource(room string, keys ...int64) *memSource {
	s := &memSource{}
	for _, k := range keys {
		s.add(store.Message{ID: idFor(k), RoomID: room, OrderKey: k, AuthorID: "alice"})
	}
	return s
}

func idFor(k int64) string {
	return fmt.Sprintf("m%d", k)
}

func (s *memSource) setGate(gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = gate
}

func (s *memSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *memSource) add(m store.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, _ := slices.BinarySearchFunc(s.rows, m.OrderKey, func(r store.Message, k int64) int {
		switch {
		case r.OrderKey < k:
			return -1
		case r.OrderKey > k:
			return 1
		}
		return 0
	})
	s.rows = slices.Insert(s.rows, i, m)
}

func (s *memSource) remove(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = slices.DeleteFunc(s.rows, func(r store.Message) bool { return slices.Contains(ids, r.ID) })
}

func (s *memSource) idOf(k int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.OrderKey == k {
			return r.ID
		}
	}
	return ""
}

func (s *memSource) keys() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.rows))
	for i, r := range s.rows {
		out[i] = r.OrderKey
	}
	return out
}

func (s *memSource) QueryRange(ctx context.Context, roomID string, after, before *int64, limit int) ([]store.Message, error) {
	s.mu.Lock()
	s.queries++
	gate := s.gate
	err := s.err
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var in []store.Message
	for _, r := range s.rows {
		if r.RoomID != roomID {
			continue
		}
		if after != nil && r.OrderKey <= *after {
			continue
		}
		if before != nil && r.OrderKey >= *before {
			continue
		}
		in = append(in, r)
	}
	if after != nil {
		return slices.Clone(in[:min(limit, len(in))]), nil
	}
	return slices.Clone(in[max(0, len(in)-limit):]), nil
}

func (s *memSource) FindByOrderKey(_ context.Context, roomID string, key int64) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for _, r := range s.rows {
		if r.RoomID == roomID && r.OrderKey == key {
			c := r
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memSource) queryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

var errDown = errors.New("disk gone")
