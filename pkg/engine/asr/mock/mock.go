// Package mock provides test doubles for the asr package interfaces.
//
// A test opens a mock Session, pushes interim results through EmitPartial
// and the terminal result through EmitFinal, and inspects the audio that was
// submitted via the call records.
package mock

import (
	"context"
	"sync"

	"github.com/voximind/earshot/pkg/engine/asr"
)

// Engine is a mock implementation of asr.Engine.
type Engine struct {
	mu sync.Mutex

	// StartStreamFunc, if set, is invoked for every StartStream call. When
	// nil, StartStream returns a fresh default Session (also recorded in
	// Sessions).
	StartStreamFunc func(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error)

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records the StreamConfig of every call in order.
	StartStreamCalls []asr.StreamConfig

	// Sessions records every default Session handed out, in order.
	Sessions []*Session
}

// StartStream records the call and returns a session per the configured
// behaviour.
func (e *Engine) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	e.mu.Lock()
	e.StartStreamCalls = append(e.StartStreamCalls, cfg)
	fn := e.StartStreamFunc
	e.mu.Unlock()

	if e.StartStreamErr != nil {
		return nil, e.StartStreamErr
	}
	if fn != nil {
		return fn(ctx, cfg)
	}

	s := NewSession()
	e.mu.Lock()
	e.Sessions = append(e.Sessions, s)
	e.mu.Unlock()
	return s, nil
}

// Last returns the most recently created default Session, or nil.
func (e *Engine) Last() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.Sessions) == 0 {
		return nil
	}
	return e.Sessions[len(e.Sessions)-1]
}

var _ asr.Engine = (*Engine)(nil)

// Session is a mock implementation of asr.SessionHandle.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendAudioCalls counts SendAudio invocations.
	SendAudioCalls int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	partials chan asr.Transcript
	finals   chan asr.Transcript
	closed   bool
}

// NewSession returns a ready-to-use mock session.
func NewSession() *Session {
	return &Session{
		partials: make(chan asr.Transcript, 16),
		finals:   make(chan asr.Transcript, 1),
	}
}

// EmitPartial pushes an interim transcript. No-op after Close.
func (s *Session) EmitPartial(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.partials <- asr.Transcript{Text: text}
}

// EmitFinal pushes the authoritative transcript. No-op after Close.
func (s *Session) EmitFinal(text string, confidence float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.finals <- asr.Transcript{Text: text, IsFinal: true, Confidence: confidence}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(frame []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.SendAudioErr
	}
	s.SendAudioCalls++
	return s.SendAudioErr
}

// CloseCount returns CloseCallCount under the session lock, for tests that
// poll while another goroutine owns the session.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Partials returns the mock interim channel.
func (s *Session) Partials() <-chan asr.Transcript {
	return s.partials
}

// Finals returns the mock terminal channel.
func (s *Session) Finals() <-chan asr.Transcript {
	return s.finals
}

// Close records the call and closes both output channels.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.partials)
		close(s.finals)
	}
	return nil
}

var _ asr.SessionHandle = (*Session)(nil)
