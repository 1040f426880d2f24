// Package transcript defines persistence for final recognition results.
//
// Every accepted final transcript of a session is written as one [Entry].
// The interface is public within the module so alternative backends
// (PostgreSQL, in-memory, …) can be supplied without depending on the
// session internals.
//
// Every implementation must be safe for concurrent use.
package transcript

import (
	"context"
	"time"
)

// Entry is one persisted final transcript.
type Entry struct {
	// SessionID is the session the transcript belongs to.
	SessionID string

	// Text is the final transcript text.
	Text string

	// Confidence is the recognizer's confidence in Text, in [0, 1].
	Confidence float64

	// Interrupted reports whether the recognition that produced this entry
	// was later barged in on before the client reacted to it.
	Interrupted bool

	// Timestamp is when the final was accepted.
	Timestamp time.Time
}

// Store persists and retrieves final transcripts.
type Store interface {
	// Write appends one entry.
	Write(ctx context.Context, entry Entry) error

	// Recent returns up to limit entries for sessionID, newest first.
	// A limit of 0 applies an implementation default.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
}
