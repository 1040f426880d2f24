// Package funasr implements asr.Engine against a FunASR 2pass streaming
// websocket service.
//
// The client opens the socket, sends a JSON start message, then streams int16
// PCM chunks as binary messages. The server pushes JSON results as it
// decodes:
//
//	{"mode": "2pass-online",  "text": "turn on",           "is_final": false}
//	{"mode": "2pass-offline", "text": "turn on the light", "is_final": true}
//
// Online results are surfaced as partials; the offline rescoring pass is the
// final. Closing the session sends {"is_speaking": false} best effort and
// tears the socket down without waiting for the offline pass.
package funasr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/voximind/earshot/pkg/audio"
	"github.com/voximind/earshot/pkg/engine/asr"
)

const defaultMode = "2pass"

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithMode overrides the recognition mode sent in the start message
// ("2pass", "online", "offline").
func WithMode(mode string) Option {
	return func(e *Engine) { e.mode = mode }
}

// Engine creates recognition sessions backed by a remote FunASR service.
type Engine struct {
	url  string
	mode string
}

// New creates an Engine that dials the websocket endpoint at url
// (e.g. "ws://localhost:10095/asr").
func New(url string, opts ...Option) *Engine {
	e := &Engine{url: url, mode: defaultMode}
	for _, o := range opts {
		o(e)
	}
	return e
}

var _ asr.Engine = (*Engine)(nil)

// startMessage configures the remote decoder for one stream.
type startMessage struct {
	Mode       string `json:"mode"`
	ChunkSize  []int  `json:"chunk_size"`
	SampleRate int    `json:"audio_fs"`
	Language   string `json:"language,omitempty"`
	IsSpeaking bool   `json:"is_speaking"`
}

// resultMessage is one decode result pushed by the server.
type resultMessage struct {
	Mode       string  `json:"mode"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
}

// StartStream dials the service and opens a recognition session.
func (e *Engine) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	conn, _, err := websocket.Dial(ctx, e.url, nil)
	if err != nil {
		return nil, fmt.Errorf("funasr asr: dial %q: %w", e.url, err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:     conn,
		mode:     e.mode,
		partials: make(chan asr.Transcript, 16),
		finals:   make(chan asr.Transcript, 1),
		ctx:      sessCtx,
		cancel:   cancel,
	}

	start, err := json.Marshal(startMessage{
		Mode:       e.mode,
		ChunkSize:  []int{5, 10, 5},
		SampleRate: cfg.SampleRate,
		Language:   cfg.Language,
		IsSpeaking: true,
	})
	if err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "start message")
		return nil, fmt.Errorf("funasr asr: marshal start: %w", err)
	}
	if err := conn.Write(sessCtx, websocket.MessageText, start); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "start message")
		return nil, fmt.Errorf("funasr asr: send start: %w", err)
	}

	go s.receiveLoop()

	return s, nil
}

type session struct {
	conn     *websocket.Conn
	mode     string
	partials chan asr.Transcript
	finals   chan asr.Transcript

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
		return fmt.Errorf("funasr asr: session closed")
	}
	if err := s.conn.Write(s.ctx, websocket.MessageBinary, audio.Float32ToInt16LE(frame)); err != nil {
		return fmt.Errorf("funasr asr: send audio: %w", err)
	}
	return nil
}

// Partials returns the interim transcript channel.
func (s *session) Partials() <-chan asr.Transcript {
	return s.partials
}

// Finals returns the authoritative transcript channel.
func (s *session) Finals() <-chan asr.Transcript {
	return s.finals
}

// Close tears the session down without blocking on in-flight recognition.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		// The stop message carries the same mode as the start message.
		if stop, err := json.Marshal(startMessage{Mode: s.mode, IsSpeaking: false}); err == nil {
			_ = s.conn.Write(s.ctx, websocket.MessageText, stop)
		}
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

var _ asr.SessionHandle = (*session)(nil)

// receiveLoop reads decode results until the session ends. It owns both
// output channels and closes them on exit.
func (s *session) receiveLoop() {
	defer func() {
		close(s.partials)
		close(s.finals)
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}

		var msg resultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Text == "" {
			continue
		}

		tr := asr.Transcript{Text: msg.Text, IsFinal: msg.IsFinal, Confidence: msg.Confidence}
		out := s.partials
		if msg.IsFinal {
			out = s.finals
		}
		select {
		case out <- tr:
		case <-s.ctx.Done():
			return
		}
		if msg.IsFinal {
			return
		}
	}
}
