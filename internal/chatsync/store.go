package chatsync

import (
	"sync"
	"time"
)

// Store is the ordered, append-only local view of the chat log plus the
// sync cursor: the highest confirmed message id already applied. It is
// created empty when a chat surface opens and discarded when it closes;
// the server is the source of truth.
//
// Only Merge and AppendEcho mutate the store. Reads return copies, so
// renderers may snapshot at any time.
type Store struct {
	mu     sync.RWMutex
	msgs   []Message
	cursor int64
}

// NewStore creates an empty store with the cursor at zero.
func NewStore() *Store {
	return &Store{}
}

// Merge folds a fetched batch into the store. The batch is expected to be
// ordered ascending by id (server contract); it is applied in the order
// given without re-sorting. Messages with id <= cursor are dropped, the
// rest are appended, and the cursor advances to the maximum id seen in
// the batch. Merging the same or an overlapping batch again is a no-op
// for the dropped prefix, which makes Merge idempotent.
//
// The appended subsequence is returned for callers that react to new
// messages (notifications, autoscroll).
func (s *Store) Merge(batch []Message) []Message {
	if len(batch) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var appended []Message
	maxID := s.cursor
	for _, m := range batch {
		if m.ID > maxID {
			maxID = m.ID
		}
		if m.ID <= s.cursor {
			continue
		}
		s.msgs = append(s.msgs, m)
		appended = append(appended, m)
	}
	if maxID > s.cursor {
		s.cursor = maxID
	}
	return appended
}

// AppendEcho inserts the optimistic local echo for a just-sent user
// message: sentinel id, user role, local send time. The echo bypasses
// Merge because it has no server id to deduplicate against, and no later
// merge ever replaces or removes it; the send pipeline's cursor advance
// keeps the authoritative copy from being fetched into the store
// alongside it.
func (s *Store) AppendEcho(text string) Message {
	m := Message{
		ID:   SentinelID,
		Role: RoleUser,
		Text: text,
		TS:   time.Now().UTC().Format(time.RFC3339),
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return m
}

// AdvanceCursor raises the cursor to at least id. Lower values are
// ignored; the cursor never regresses.
func (s *Store) AdvanceCursor(id int64) {
	s.mu.Lock()
	if id > s.cursor {
		s.cursor = id
	}
	s.mu.Unlock()
}

// Cursor returns the current sync cursor.
func (s *Store) Cursor() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

// Messages returns a copy of the store contents in append order.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Len returns the number of stored messages, echoes included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}
