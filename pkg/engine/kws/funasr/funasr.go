// Package funasr implements kws.Engine against a FunASR-style keyword
// spotting websocket service.
//
// The protocol is JSON control messages plus binary PCM: the client opens the
// socket, sends a start message naming the keyword, then streams int16 PCM
// chunks. The server pushes a JSON result for every detection:
//
//	{"keyword": "hey ava", "confidence": 0.91}
//
// Closing the session sends {"is_speaking": false} so the server can release
// its per-stream cache, then closes the socket without waiting for in-flight
// results.
package funasr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/voximind/earshot/pkg/audio"
	"github.com/voximind/earshot/pkg/engine/kws"
)

const defaultThreshold = 0.5

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithThreshold sets the default confidence threshold applied when a session
// Config leaves Threshold zero.
func WithThreshold(th float64) Option {
	return func(e *Engine) { e.threshold = th }
}

// Engine creates keyword-spotting sessions backed by a remote FunASR service.
type Engine struct {
	url       string
	threshold float64
}

// New creates an Engine that dials the websocket endpoint at url
// (e.g. "ws://localhost:10096/kws").
func New(url string, opts ...Option) *Engine {
	e := &Engine{url: url, threshold: defaultThreshold}
	for _, o := range opts {
		o(e)
	}
	return e
}

var _ kws.Engine = (*Engine)(nil)

// startMessage arms the remote spotter for one stream.
type startMessage struct {
	Mode       string `json:"mode"`
	Keyword    string `json:"keyword"`
	SampleRate int    `json:"audio_fs"`
	IsSpeaking bool   `json:"is_speaking"`
}

// hitMessage is one detection pushed by the server.
type hitMessage struct {
	Keyword    string  `json:"keyword"`
	Confidence float64 `json:"confidence"`
}

// NewSession dials the service and arms it for cfg.Keyword.
func (e *Engine) NewSession(ctx context.Context, cfg kws.Config) (kws.SessionHandle, error) {
	if cfg.Keyword == "" {
		return nil, fmt.Errorf("funasr kws: keyword is required")
	}
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = e.threshold
	}

	conn, _, err := websocket.Dial(ctx, e.url, nil)
	if err != nil {
		return nil, fmt.Errorf("funasr kws: dial %q: %w", e.url, err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:      conn,
		threshold: threshold,
		hits:      make(chan kws.Hit, 8),
		ctx:       sessCtx,
		cancel:    cancel,
	}

	start, err := json.Marshal(startMessage{
		Mode:       "kws",
		Keyword:    cfg.Keyword,
		SampleRate: cfg.SampleRate,
		IsSpeaking: true,
	})
	if err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "start message")
		return nil, fmt.Errorf("funasr kws: marshal start: %w", err)
	}
	if err := conn.Write(sessCtx, websocket.MessageText, start); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "start message")
		return nil, fmt.Errorf("funasr kws: send start: %w", err)
	}

	go s.receiveLoop()

	return s, nil
}

type session struct {
	conn      *websocket.Conn
	threshold float64
	hits      chan kws.Hit

	mu     sync.Mutex
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// SendAudio converts the frame to int16 PCM and writes it as one binary
// message.
func (s *session) SendAudio(frame []float32) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("funasr kws: session closed")
	}
	if err := s.conn.Write(s.ctx, websocket.MessageBinary, audio.Float32ToInt16LE(frame)); err != nil {
		return fmt.Errorf("funasr kws: send audio: %w", err)
	}
	return nil
}

// Hits returns the detection channel. Closed when the session ends.
func (s *session) Hits() <-chan kws.Hit {
	return s.hits
}

// Close releases the session without waiting for in-flight results.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		// Best effort: tell the server the stream ended.
		if stop, err := json.Marshal(startMessage{Mode: "kws", IsSpeaking: false}); err == nil {
			_ = s.conn.Write(s.ctx, websocket.MessageText, stop)
		}
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

var _ kws.SessionHandle = (*session)(nil)

// receiveLoop reads detections from the socket until the session ends.
// It owns the hits channel and closes it on exit.
func (s *session) receiveLoop() {
	defer close(s.hits)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}

		var msg hitMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Keyword == "" || msg.Confidence < s.threshold {
			continue
		}

		select {
		case s.hits <- kws.Hit{Keyword: msg.Keyword, Confidence: msg.Confidence}:
		case <-s.ctx.Done():
			return
		}
	}
}
