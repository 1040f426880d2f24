// Package kws defines the Engine interface for keyword-spotting backends.
//
// A KWS engine watches a voiced audio stream for a single wake phrase and
// reports hits asynchronously: spotting runs on the engine's own schedule, so
// a hit may arrive several frames after the audio that produced it. Absence
// of a hit is the default — there is no "miss" event.
//
// Sessions are scoped to one continuous arming of the spotter. Re-arming
// after an interruption means closing the old session and opening a fresh
// one; hits never carry over between sessions.
//
// Implementations must be safe for concurrent use across sessions. SendAudio
// and the Hits channel of a single session are goroutine-safe by
// construction.
package kws

import "context"

// Hit reports one detection of the configured wake phrase.
type Hit struct {
	// Keyword is the phrase that was spotted.
	Keyword string

	// Confidence is the detection confidence in [0, 1]. Hits below the
	// session's configured threshold are filtered by the engine and never
	// delivered.
	Confidence float64
}

// Config holds the parameters for a KWS session.
type Config struct {
	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Keyword is the wake phrase to spot (e.g. "hey ava").
	Keyword string

	// Threshold is the minimum confidence for a hit to be delivered.
	// Zero means the engine default.
	Threshold float64
}

// SessionHandle is an open keyword-spotting session.
//
// Callers must call Close when done; failing to do so may leak goroutines
// and connections inside the engine implementation.
type SessionHandle interface {
	// SendAudio delivers one frame of mono PCM samples for spotting.
	// Calling SendAudio after Close returns an error.
	SendAudio(frame []float32) error

	// Hits returns a read-only channel delivering detections above the
	// configured threshold. The channel is closed when the session ends.
	Hits() <-chan Hit

	// Close terminates the session and releases all resources. The Hits
	// channel is closed after any buffered detections drain. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for keyword-spotting sessions.
type Engine interface {
	// NewSession opens a spotting session armed for cfg.Keyword. The session
	// accepts audio immediately. ctx bounds session establishment only, not
	// the session lifetime.
	NewSession(ctx context.Context, cfg Config) (SessionHandle, error)
}
