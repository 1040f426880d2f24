// Package session implements the per-connection voice orchestration core:
// the audio frame buffer, the three streaming stage adapters (VAD, KWS, ASR),
// the state machine that decides which stages run, and the handler that
// bridges a WebSocket connection to the machine.
//
// One Handler is created per client connection. Nothing in this package is
// shared across sessions; the inference engines behind the stage adapters are
// the only shared collaborators, and they are reached exclusively through
// session-owned handles.
package session

import (
	"errors"
	"time"
)

// State is the orchestration state of a session. Exactly one state is active
// at a time and the set of running stages is a pure function of it.
type State string

const (
	// StateIdle: only VAD runs; waiting for voiced audio.
	StateIdle State = "idle"

	// StateListening: voiced audio detected; VAD and KWS run, waiting for
	// the wake phrase.
	StateListening State = "listening_for_wake"

	// StateAwake is the zero-duration transitional state entered on a
	// keyword hit. It exists for observability only: the machine emits the
	// wake event with this state and immediately enters StateRecognizing.
	StateAwake State = "awake"

	// StateRecognizing: all three stages run; ASR is transcribing.
	StateRecognizing State = "recognizing"
)

// EventType is the wire-level type of an outbound session event.
type EventType string

const (
	EventSpeechStart EventType = "speech_start"
	EventSpeechEnd   EventType = "speech_end"
	EventWake        EventType = "wake"
	EventPartial     EventType = "partial"
	EventFinal       EventType = "final"
	EventInterrupted EventType = "interrupted"
	EventError       EventType = "error"
)

// Event is one outbound session event, marshalled to JSON on the wire.
type Event struct {
	State      State     `json:"state"`
	Type       EventType `json:"type"`
	Text       string    `json:"text,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	TS         int64     `json:"ts"`
}

// newEvent stamps an event with the current unix-millisecond timestamp.
func newEvent(state State, typ EventType) Event {
	return Event{State: state, Type: typ, TS: time.Now().UnixMilli()}
}

// StageKind identifies one of the three inference stages.
type StageKind string

const (
	StageVAD StageKind = "vad"
	StageKWS StageKind = "kws"
	StageASR StageKind = "asr"
)

// StageEventKind classifies a stage adapter's output.
type StageEventKind int

const (
	StageSpeechStart StageEventKind = iota
	StageSpeechEnd
	StageKeywordHit
	StagePartial
	StageFinal
	StageError
)

// StageEvent is one inference result flowing from a stage adapter into the
// state machine. Generation is the stage's generation counter at feed time;
// the machine discards events whose generation is stale.
type StageEvent struct {
	Stage      StageKind
	Kind       StageEventKind
	Text       string
	Confidence float64
	Generation uint64

	// Seq is the sequence number of the last frame fed to the stage before
	// this event was produced.
	Seq uint64

	// Err carries the engine failure for StageError events.
	Err error
}

// ErrOrderingViolation reports frames reaching a stage out of sequence-number
// order. Upstream ordering is a hard invariant, so this is fatal to the
// session: it indicates a transport or buffering bug, not a runtime
// condition to recover from.
var ErrOrderingViolation = errors.New("session: frame ordering violation")

// ErrOverflow reports that the frame buffer is at its configured depth. It is
// a backpressure signal to the transport, not a session failure.
var ErrOverflow = errors.New("session: frame buffer overflow")
