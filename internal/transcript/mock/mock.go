// Package mock provides an in-memory test double for transcript.Store.
package mock

import (
	"context"
	"sync"

	"github.com/voximind/earshot/internal/transcript"
)

// Store is an in-memory implementation of transcript.Store recording every
// call for inspection. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	// WriteErr, if non-nil, is returned by every Write call.
	WriteErr error

	// RecentErr, if non-nil, is returned by every Recent call.
	RecentErr error

	entries []transcript.Entry
}

// Write records the entry and returns WriteErr.
func (s *Store) Write(ctx context.Context, entry transcript.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.entries = append(s.entries, entry)
	return nil
}

// Recent returns the recorded entries for sessionID, newest first.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]transcript.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RecentErr != nil {
		return nil, s.RecentErr
	}
	var out []transcript.Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].SessionID == sessionID {
			out = append(out, s.entries[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Entries returns a copy of everything written so far, in write order.
func (s *Store) Entries() []transcript.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transcript.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

var _ transcript.Store = (*Store)(nil)
