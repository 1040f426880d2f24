// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech detector (an energy gate, Silero,
// or a remote model) and surfaces it as a stateful per-stream session. Each
// session owns its own smoothing and debounce state so that many concurrent
// audio streams can be segmented independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// boundary event, making it cheap enough to sit in the hot ingest path and
// gate the downstream keyword and recognition stages.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle must not be shared across goroutines unless the
// implementation documents otherwise.
package vad

// EventType classifies the boundary decision for one processed frame.
type EventType int

const (
	// None means no boundary was crossed by this frame. The stream is either
	// still silent or still voiced.
	None EventType = iota

	// SpeechStart is emitted once when sustained voiced frames exceed the
	// engine's start debounce threshold.
	SpeechStart

	// SpeechEnd is emitted once when sustained silence exceeds the engine's
	// end debounce threshold after a SpeechStart.
	SpeechEnd
)

// Event is the result of processing a single frame.
type Event struct {
	// Type is the boundary decision. Most frames produce None.
	Type EventType

	// Probability is the engine's voiced-speech probability for this frame,
	// in [0, 1]. Energy-based engines report a normalised energy score.
	Probability float64
}

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the PCM frames
	// passed to ProcessFrame.
	SampleRate int

	// SpeechThreshold is the score above which a frame counts as voiced.
	// Range [0, 1]. Typical: 0.5 for model-based engines, much lower for
	// energy gates.
	SpeechThreshold float64

	// SilenceThreshold is the score below which a frame counts as silent.
	// Must be ≤ SpeechThreshold; the gap provides hysteresis.
	SilenceThreshold float64

	// StartFrames is the number of consecutive voiced frames required before
	// SpeechStart fires. Zero means the engine default.
	StartFrames int

	// EndFrames is the number of consecutive silent frames required before
	// SpeechEnd fires. Zero means the engine default.
	EndFrames int
}

// SessionHandle is an active VAD session for a single audio stream. Reset
// clears detection state without closing the session; use it when the stream
// restarts so stale debounce counters don't leak into the next segment.
type SessionHandle interface {
	// ProcessFrame analyses one frame of mono PCM samples and returns the
	// boundary decision. Must not block.
	ProcessFrame(frame []float32) (Event, error)

	// Reset clears all accumulated detection state.
	Reset()

	// Close releases the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. Implementations must be safe for
// concurrent use: multiple goroutines may call NewSession simultaneously.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}
