// Package mock provides test doubles for the kws package interfaces.
//
// A test arms a mock Session, pushes Hit values through Emit, and inspects
// the audio that was submitted via the call records.
package mock

import (
	"context"
	"sync"

	"github.com/voximind/earshot/pkg/engine/kws"
)

// Engine is a mock implementation of kws.Engine.
type Engine struct {
	mu sync.Mutex

	// NewSessionFunc, if set, is invoked for every NewSession call. When nil,
	// NewSession returns a fresh default Session (also recorded in Sessions).
	NewSessionFunc func(ctx context.Context, cfg kws.Config) (kws.SessionHandle, error)

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records the Config of every NewSession call in order.
	NewSessionCalls []kws.Config

	// Sessions records every default Session handed out, in order.
	Sessions []*Session
}

// NewSession records the call and returns a session per the configured
// behaviour.
func (e *Engine) NewSession(ctx context.Context, cfg kws.Config) (kws.SessionHandle, error) {
	e.mu.Lock()
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	fn := e.NewSessionFunc
	e.mu.Unlock()

	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
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

var _ kws.Engine = (*Engine)(nil)

// Session is a mock implementation of kws.SessionHandle.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendAudioCalls counts SendAudio invocations.
	SendAudioCalls int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	hits   chan kws.Hit
	closed bool
}

// NewSession returns a ready-to-use mock session.
func NewSession() *Session {
	return &Session{hits: make(chan kws.Hit, 8)}
}

// Emit pushes a hit to the session's Hits channel. No-op after Close.
func (s *Session) Emit(hit kws.Hit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.hits <- hit
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

// SendAudioCount returns SendAudioCalls under the session lock, for tests
// that poll while a feeder goroutine is running.
func (s *Session) SendAudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SendAudioCalls
}

// CloseCount returns CloseCallCount under the session lock, for tests that
// poll while another goroutine owns the session.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Hits returns the mock detection channel.
func (s *Session) Hits() <-chan kws.Hit {
	return s.hits
}

// Close records the call and closes the Hits channel.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.hits)
	}
	return nil
}

var _ kws.SessionHandle = (*Session)(nil)
