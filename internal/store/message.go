package store

import (
	"slices"
	"time"
)

// Store is the ordered, deduplicated timeline of the active conversation.
// It is not safe for concurrent use; the engine owns it from a single goroutine.
type Store struct {
	contextKey string
	identity   string
	echoWindow time.Duration
	msgs       []Message
}

// New creates an empty store. identity is the local sender used to recognise
// echoes of our own messages; echoWindow bounds the timestamp distance between
// a pending message and its echo.
func New(identity string, echoWindow time.Duration) *Store {
	return &Store{identity: identity, echoWindow: echoWindow}
}

// Clear drops every message and rescopes the store to contextKey.
func (s *Store) Clear(contextKey string) {
	s.contextKey = contextKey
	s.msgs = nil
}

// ContextKey returns the conversation the store currently holds.
func (s *Store) ContextKey() string {
	return s.contextKey
}

// Identity returns the local sender identity.
func (s *Store) Identity() string {
	return s.identity
}

// Len returns the number of messages.
func (s *Store) Len() int {
	return len(s.msgs)
}

// All returns a copy of the timeline in display order.
func (s *Store) All() []Message {
	return slices.Clone(s.msgs)
}

// Get looks a message up by server or provisional id.
func (s *Store) Get(id string) (Message, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.msgs[i], true
	}
	return Message{}, false
}

// Append adds a message at its timestamp position; equal timestamps keep
// arrival order. A confirmed message whose server id is already present
// replaces the existing entry instead of duplicating it.
func (s *Store) Append(m Message) {
	if m.State == Confirmed {
		if i := s.indexByServerID(m.ID); i >= 0 {
			s.msgs[i] = merge(s.msgs[i], m)
			return
		}
	}
	s.insert(m)
}

// MarkConfirmed replaces the unconfirmed entry for provisionalID with the
// server's version in place. Returns false if no such entry exists.
func (s *Store) MarkConfirmed(provisionalID string, server Message) bool {
	i := s.indexByProvisionalID(provisionalID)
	if i < 0 || s.msgs[i].State == Confirmed {
		return false
	}
	confirmed := server
	confirmed.ProvisionalID = provisionalID
	confirmed.State = Confirmed
	confirmed.FromMe = true
	s.msgs[i] = confirmed

	// Keep server ids unique if the same id was already stored elsewhere.
	for j := len(s.msgs) - 1; j >= 0; j-- {
		if j != i && s.msgs[j].State == Confirmed && s.msgs[j].ID == server.ID {
			s.msgs = slices.Delete(s.msgs, j, j+1)
		}
	}
	return true
}

// Reconcile merges a confirmed message coming from the server (socket or
// history). Known server ids are updated in place, echoes of our own pending
// sends replace the pending entry in place, anything else is appended.
func (s *Store) Reconcile(m Message) Change {
	m.State = Confirmed
	if m.Sender == s.identity && s.identity != "" {
		m.FromMe = true
	}

	if i := s.indexByServerID(m.ID); i >= 0 {
		merged := merge(s.msgs[i], m)
		if merged == s.msgs[i] {
			return Unchanged
		}
		s.msgs[i] = merged
		return Replaced
	}

	if m.FromMe {
		if m.ProvisionalID != "" {
			if s.MarkConfirmed(m.ProvisionalID, m) {
				return Replaced
			}
			// A second echo of a retried send.
			if i := s.indexByProvisionalID(m.ProvisionalID); i >= 0 {
				return Unchanged
			}
		}
		if i := s.matchEcho(m); i >= 0 {
			s.MarkConfirmed(s.msgs[i].ProvisionalID, m)
			return Replaced
		}
	}

	s.insert(m)
	return Appended
}

// Seed merges a history batch with the same rules as Reconcile. It returns the
// number of messages that changed the store.
func (s *Store) Seed(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if s.Reconcile(m) != Unchanged {
			n++
		}
	}
	return n
}

// MarkFailed flags an unconfirmed message as failed. Failed messages stay in
// the timeline until retried or discarded.
func (s *Store) MarkFailed(provisionalID string) bool {
	return s.setState(provisionalID, Failed)
}

// MarkPending puts a failed message back to pending before a retry.
func (s *Store) MarkPending(provisionalID string) bool {
	return s.setState(provisionalID, Pending)
}

// Discard removes a failed message. Pending and confirmed messages cannot be
// discarded.
func (s *Store) Discard(provisionalID string) bool {
	i := s.indexByProvisionalID(provisionalID)
	if i < 0 || s.msgs[i].State != Failed {
		return false
	}
	s.msgs = slices.Delete(s.msgs, i, i+1)
	return true
}

func (s *Store) setState(provisionalID string, state DeliveryState) bool {
	i := s.indexByProvisionalID(provisionalID)
	if i < 0 || s.msgs[i].State == Confirmed {
		return false
	}
	s.msgs[i].State = state
	return true
}

func (s *Store) insert(m Message) {
	pos := len(s.msgs)
	for pos > 0 && s.msgs[pos-1].Timestamp.After(m.Timestamp) {
		pos--
	}
	s.msgs = slices.Insert(s.msgs, pos, m)
}

// matchEcho finds the oldest unconfirmed local message with the same content
// whose timestamp lies within the echo window of m.
func (s *Store) matchEcho(m Message) int {
	for i, cur := range s.msgs {
		if cur.State == Confirmed || !cur.FromMe || cur.ProvisionalID == "" {
			continue
		}
		if cur.Content != m.Content {
			continue
		}
		if absDuration(cur.Timestamp.Sub(m.Timestamp)) <= s.echoWindow {
			return i
		}
	}
	return -1
}

func (s *Store) indexOf(id string) int {
	if i := s.indexByServerID(id); i >= 0 {
		return i
	}
	return s.indexByProvisionalID(id)
}

func (s *Store) indexByServerID(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range s.msgs {
		if m.State == Confirmed && m.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) indexByProvisionalID(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range s.msgs {
		if m.ProvisionalID == id {
			return i
		}
	}
	return -1
}

// merge applies server fields onto an existing entry while keeping the local
// provisional id.
func merge(existing, incoming Message) Message {
	incoming.ProvisionalID = existing.ProvisionalID
	incoming.FromMe = existing.FromMe || incoming.FromMe
	incoming.State = Confirmed
	return incoming
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
