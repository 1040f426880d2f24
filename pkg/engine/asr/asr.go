// Package asr defines the Engine interface for streaming speech recognition
// backends.
//
// An ASR engine wraps a real-time transcription service (FunASR, a hosted
// API, or a local server) and exposes a uniform streaming interface. The
// central abstraction is SessionHandle: once opened, a session accepts raw
// PCM audio frames and emits two streams of Transcript values — low-latency
// partials for responsiveness and a single authoritative final per continuous
// activation.
//
// A session that is closed before the engine commits to a final result simply
// never delivers one; that is a normal interruption, not an error.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels of a single session are goroutine-safe by construction.
package asr

import "context"

// Transcript represents a recognition result. Both partial and final results
// use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is the authoritative result for the
	// activation or an interim guess.
	IsFinal bool

	// Confidence is the overall confidence score in [0, 1]. May be zero if
	// the engine does not report confidence.
	Confidence float64
}

// StreamConfig describes the audio format for a new recognition session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Language is the BCP-47 language tag for recognition. Empty lets the
	// engine auto-detect, if supported.
	Language string
}

// SessionHandle is an open streaming recognition session.
//
// Callers must call Close when the session is no longer needed. Failing to
// do so may leak goroutines and network connections inside the engine.
type SessionHandle interface {
	// SendAudio delivers one frame of mono PCM samples for recognition.
	// Calling SendAudio after Close returns an error.
	SendAudio(frame []float32) error

	// Partials returns a read-only channel emitting interim transcripts.
	// Closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel emitting the authoritative
	// transcript, at most once per session. Closed when the session ends.
	Finals() <-chan Transcript

	// Close terminates the session and releases all resources without
	// blocking on in-flight recognition. After Close returns, the Partials
	// and Finals channels will be closed. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Engine is the abstraction over any streaming recognition backend.
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously.
type Engine interface {
	// StartStream opens a new recognition session with the given audio
	// format. The returned SessionHandle accepts audio immediately. ctx
	// bounds session establishment only, not the session lifetime.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
