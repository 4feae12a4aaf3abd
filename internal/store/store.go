// Package store holds the in-process table of authoritative room state.
//
// All mutation goes through With, which serializes access per room. The
// reducer in the service layer is the only caller that writes state.
package store

import (
	"sync"
	"time"

	"github.com/duolink/duolink/internal/model"
)

type room struct {
	mu    sync.Mutex
	state *model.RoomState

	// emptySince is zero while at least one member is connected. A room
	// with no members survives for a grace period so a refreshing client
	// does not lose shared playback position.
	emptySince time.Time
}

// Store is the process-wide room registry.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*room
	now   func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		rooms: make(map[string]*room),
		now:   time.Now,
	}
}

// Ensure initializes the room with default state if it does not exist yet.
// It reports whether the room was created by this call.
func (s *Store) Ensure(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; ok {
		return false
	}
	s.rooms[roomID] = &room{state: model.DefaultRoomState(s.now())}
	return true
}

// Exists reports whether the room is held in memory.
func (s *Store) Exists(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// With runs fn with exclusive access to the room's state. It reports false if
// the room does not exist. Mutations made by fn are committed before any other
// caller observes the state, which is what gives actions their per-room
// atomicity.
func (s *Store) With(roomID string, fn func(*model.RoomState)) bool {
	s.mu.RLock()
	r, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.state)
	return true
}

// Snapshot returns a deep copy of the room's state, safe to hand to a slow
// consumer without holding the room lock.
func (s *Store) Snapshot(roomID string) (*model.RoomState, bool) {
	var snap *model.RoomState
	ok := s.With(roomID, func(st *model.RoomState) {
		snap = cloneState(st)
	})
	return snap, ok
}

// MarkOccupied clears the room's idle clock.
func (s *Store) MarkOccupied(roomID string) {
	s.mu.RLock()
	r, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	r.mu.Lock()
	r.emptySince = time.Time{}
	r.mu.Unlock()
}

// MarkEmpty starts the room's idle clock. Called when the last member leaves.
func (s *Store) MarkEmpty(roomID string) {
	s.mu.RLock()
	r, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	r.mu.Lock()
	if r.emptySince.IsZero() {
		r.emptySince = s.now()
	}
	r.mu.Unlock()
}

// EvictIdle drops rooms that have had no members for at least grace and
// returns their ids.
func (s *Store) EvictIdle(grace time.Duration) []string {
	cutoff := s.now().Add(-grace)

	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, r := range s.rooms {
		r.mu.Lock()
		idle := !r.emptySince.IsZero() && r.emptySince.Before(cutoff)
		r.mu.Unlock()
		if idle {
			delete(s.rooms, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Len returns the number of rooms held in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

func cloneState(st *model.RoomState) *model.RoomState {
	out := *st
	out.Messages = append([]model.ChatMessage(nil), st.Messages...)
	out.JournalEntries = append([]model.JournalEntry(nil), st.JournalEntries...)
	out.UIState = cloneKV(st.UIState)
	out.AmbientSound = cloneKV(st.AmbientSound)
	if st.TypingUser != nil {
		tu := *st.TypingUser
		out.TypingUser = &tu
	}
	return &out
}

func cloneKV(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
