package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voximind/earshot/internal/observe"
	"github.com/voximind/earshot/internal/transcript"
)

// HandlerConfig holds the per-connection wiring parameters.
type HandlerConfig struct {
	Machine MachineConfig

	// FrameSamples is the required sample count per inbound binary message.
	// Messages of any other size are a protocol violation. Default 3200
	// (200ms at 16kHz).
	FrameSamples int

	// BufferDepth bounds the inbound frame buffer. Default 64.
	BufferDepth int
}

func (c *HandlerConfig) applyDefaults() {
	if c.FrameSamples <= 0 {
		c.FrameSamples = 3200
	}
	if c.BufferDepth <= 0 {
		c.BufferDepth = 64
	}
}

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithTranscriptStore persists every final transcript of the session.
func WithTranscriptStore(store transcript.Store) HandlerOption {
	return func(h *Handler) { h.store = store }
}

// WithMetrics overrides the metrics instance, mainly for tests.
func WithMetrics(m *observe.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// Handler owns one WebSocket voice session: it reads binary audio frames
// into the frame buffer, runs the state machine over them, and writes the
// machine's events back to the client as JSON text messages.
type Handler struct {
	id      string
	conn    *websocket.Conn
	engines Engines
	cfg     HandlerConfig
	store   transcript.Store
	metrics *observe.Metrics
}

// NewHandler wraps an accepted WebSocket connection in a session handler.
func NewHandler(conn *websocket.Conn, engines Engines, cfg HandlerConfig, opts ...HandlerOption) *Handler {
	cfg.applyDefaults()
	h := &Handler{
		id:      uuid.NewString(),
		conn:    conn,
		engines: engines,
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// ID returns the session identifier.
func (h *Handler) ID() string { return h.id }

// Run drives the session until the client disconnects, ctx is cancelled, or
// a fatal error occurs. The connection is closed on every exit path.
func (h *Handler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "session.run")
	defer span.End()

	log := observe.Logger(ctx).With("session_id", h.id)
	log.Info("session started")

	start := time.Now()
	h.metrics.ActiveSessions.Add(ctx, 1)
	defer func() {
		h.metrics.ActiveSessions.Add(context.Background(), -1)
		h.metrics.SessionDuration.Record(context.Background(), time.Since(start).Seconds())
		log.Info("session ended", "duration", time.Since(start))
	}()

	buf := NewFrameBuffer(h.cfg.BufferDepth)
	events := make(chan Event, 64)

	g, gctx := errgroup.WithContext(ctx)
	machine := NewMachine(h.cfg.Machine, h.engines, eventSink(gctx, events))

	g.Go(func() error {
		err := machine.Run(gctx, buf.Frames())
		cancel()
		return err
	})
	g.Go(func() error { return h.readLoop(gctx, buf, log) })
	g.Go(func() error { return h.writeLoop(gctx, events, log) })

	err := g.Wait()
	buf.Close()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err == nil {
		h.conn.Close(websocket.StatusNormalClosure, "")
		return nil
	}

	log.Error("session failed", "error", err)
	// Every loop has stopped, so the writer side of the connection is free:
	// the error event goes out ahead of the close frame.
	h.sendErrorEvent(machine.State(), err, log)
	var perr *protocolError
	if errors.As(err, &perr) {
		h.conn.Close(perr.status, perr.reason)
	} else {
		h.conn.Close(websocket.StatusInternalError, "session error")
	}
	return err
}

// eventSink returns the machine's event callback. The write loop is the only
// consumer; once ctx is cancelled it may be gone, so the sink drops instead
// of blocking the machine goroutine through teardown.
func eventSink(ctx context.Context, events chan<- Event) func(Event) {
	return func(ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
}

// protocolError is a client wire-contract violation. It carries the close
// status the connection ends with.
type protocolError struct {
	status websocket.StatusCode
	reason string
	err    error
}

func (e *protocolError) Error() string { return e.err.Error() }
func (e *protocolError) Unwrap() error { return e.err }

// sendErrorEvent writes a final error event to the client before a fatal
// close. Best effort: the peer may already be gone.
func (h *Handler) sendErrorEvent(state State, cause error, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev := Event{State: state, Type: EventError, Text: cause.Error(), TS: time.Now().UnixMilli()}
	if err := h.writeEvent(ctx, ev); err != nil {
		log.Debug("error event not delivered", "error", err)
	}
}

// readLoop pulls binary frames off the wire into the frame buffer. Overflow
// follows a drop-oldest policy: the oldest buffered frame is evicted and the
// new one retried, so the machine always sees the freshest audio.
func (h *Handler) readLoop(ctx context.Context, buf *FrameBuffer, log *slog.Logger) error {
	var seq uint64
	for {
		typ, data, err := h.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				buf.Close()
				return nil
			}
			buf.Close()
			return fmt.Errorf("session: read: %w", err)
		}
		if typ != websocket.MessageBinary {
			buf.Close()
			return &protocolError{
				status: websocket.StatusUnsupportedData,
				reason: "expected binary audio frames",
				err:    fmt.Errorf("session: unexpected %v message", typ),
			}
		}
		if len(data) != h.cfg.FrameSamples*4 {
			buf.Close()
			return &protocolError{
				status: websocket.StatusInvalidFramePayloadData,
				reason: "bad frame size",
				err:    fmt.Errorf("session: frame of %d bytes, want %d", len(data), h.cfg.FrameSamples*4),
			}
		}

		seq++
		frame, err := DecodeFrame(data, seq)
		if err != nil {
			buf.Close()
			return &protocolError{
				status: websocket.StatusInvalidFramePayloadData,
				reason: "bad frame payload",
				err:    fmt.Errorf("session: decode frame %d: %w", seq, err),
			}
		}

		h.metrics.FramesIngested.Add(ctx, 1)
		if err := buf.Enqueue(frame); errors.Is(err, ErrOverflow) {
			buf.EvictOldest()
			h.metrics.RecordFrameDrop(ctx, "overflow")
			if buf.Dropped() == 1 {
				log.Warn("frame buffer full, dropping oldest frames")
			}
			if err := buf.Enqueue(frame); err != nil {
				// Consumer is gone; session is tearing down.
				return nil
			}
		}
	}
}

// writeLoop serialises machine events to the client and records the
// per-event metrics. Finals are persisted when a transcript store is
// configured.
func (h *Handler) writeLoop(ctx context.Context, events <-chan Event, log *slog.Logger) error {
	var wakeAt time.Time
	for {
		select {
		case <-ctx.Done():
			// Drain anything the machine emitted on its way out, the error
			// event in particular.
			for {
				select {
				case ev := <-events:
					wctx, cancel := context.WithTimeout(context.Background(), time.Second)
					err := h.writeEvent(wctx, ev)
					cancel()
					if err != nil {
						return nil
					}
				default:
					return nil
				}
			}
		case ev := <-events:
			h.metrics.RecordSessionEvent(ctx, string(ev.Type))
			switch ev.Type {
			case EventWake:
				wakeAt = time.Now()
				h.metrics.WakeHits.Add(ctx, 1)
			case EventInterrupted:
				h.metrics.Interruptions.Add(ctx, 1)
			case EventFinal:
				if !wakeAt.IsZero() {
					h.metrics.RecognitionDuration.Record(ctx, time.Since(wakeAt).Seconds())
					wakeAt = time.Time{}
				}
				h.persistFinal(ctx, ev, log)
			}
			if err := h.writeEvent(ctx, ev); err != nil {
				return fmt.Errorf("session: write: %w", err)
			}
		}
	}
}

func (h *Handler) writeEvent(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return h.conn.Write(ctx, websocket.MessageText, data)
}

func (h *Handler) persistFinal(ctx context.Context, ev Event, log *slog.Logger) {
	if h.store == nil {
		return
	}
	entry := transcript.Entry{
		SessionID:  h.id,
		Text:       ev.Text,
		Confidence: ev.Confidence,
		Timestamp:  time.UnixMilli(ev.TS),
	}
	if err := h.store.Write(ctx, entry); err != nil {
		log.Warn("failed to persist transcript", "error", err)
	}
}
