package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voximind/earshot/internal/observe"
	tsmock "github.com/voximind/earshot/internal/transcript/mock"
	asrmock "github.com/voximind/earshot/pkg/engine/asr/mock"
	"github.com/voximind/earshot/pkg/engine/kws"
	kwsmock "github.com/voximind/earshot/pkg/engine/kws/mock"
	"github.com/voximind/earshot/pkg/engine/vad"
	vadmock "github.com/voximind/earshot/pkg/engine/vad/mock"

	"github.com/voximind/earshot/pkg/audio"
)

// testFrameSamples keeps wire frames small in tests.
const testFrameSamples = 8

type handlerHarness struct {
	vadSes *vadmock.Session
	kwsEng *kwsmock.Engine
	asrEng *asrmock.Engine
	store  *tsmock.Store

	client *websocket.Conn
	result chan error
}

func newHandlerHarness(t *testing.T) *handlerHarness {
	t.Helper()

	h := &handlerHarness{
		vadSes: &vadmock.Session{},
		kwsEng: &kwsmock.Engine{},
		asrEng: &asrmock.Engine{},
		store:  &tsmock.Store{},
		result: make(chan error, 1),
	}
	h.vadSes.ProcessFunc = func(frame []float32) (vad.Event, error) {
		switch frame[0] {
		case markerSpeechStart:
			return vad.Event{Type: vad.SpeechStart, Probability: 0.9}, nil
		case markerSpeechEnd:
			return vad.Event{Type: vad.SpeechEnd, Probability: 0.1}, nil
		}
		return vad.Event{}, nil
	}

	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	engines := Engines{
		VAD: &vadmock.Engine{Session: h.vadSes},
		KWS: h.kwsEng,
		ASR: h.asrEng,
	}
	cfg := HandlerConfig{FrameSamples: testFrameSamples}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		handler := NewHandler(conn, engines, cfg,
			WithTranscriptStore(h.store), WithMetrics(metrics))
		h.result <- handler.Run(r.Context())
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(websocket.StatusNormalClosure, "") })
	h.client = client
	return h
}

// sendFrame writes one correctly-sized binary frame whose first sample is
// the VAD marker.
func (h *handlerHarness) sendFrame(t *testing.T, marker float32) {
	t.Helper()
	samples := make([]float32, testFrameSamples)
	samples[0] = marker
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.client.Write(ctx, websocket.MessageBinary, audio.EncodeFloat32LE(samples)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// readEvent decodes the next JSON event from the connection.
func (h *handlerHarness) readEvent(t *testing.T) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := h.client.Read(ctx)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("got %v message, want text", typ)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event %q: %v", data, err)
	}
	return ev
}

func (h *handlerHarness) expectEvent(t *testing.T, want EventType) Event {
	t.Helper()
	ev := h.readEvent(t)
	if ev.Type != want {
		t.Fatalf("got event %q (state %q), want %q", ev.Type, ev.State, want)
	}
	return ev
}

func TestHandlerWakeSessionOverWebSocket(t *testing.T) {
	t.Parallel()

	h := newHandlerHarness(t)

	h.sendFrame(t, markerSpeechStart)
	ev := h.expectEvent(t, EventSpeechStart)
	if ev.State != StateListening {
		t.Errorf("speech_start carried state %q, want listening_for_wake", ev.State)
	}
	if ev.TS == 0 {
		t.Error("event missing timestamp")
	}

	waitFor(t, func() bool { return h.kwsEng.Last() != nil }, "kws never armed")
	h.kwsEng.Last().Emit(kws.Hit{Keyword: "hey nova", Confidence: 0.91})
	ev = h.expectEvent(t, EventWake)
	if ev.Confidence != 0.91 {
		t.Errorf("wake confidence = %v, want 0.91", ev.Confidence)
	}

	waitFor(t, func() bool { return h.asrEng.Last() != nil }, "asr never started")
	h.asrEng.Last().EmitPartial("turn off")
	h.expectEvent(t, EventPartial)

	h.asrEng.Last().EmitFinal("turn off the lights", 0.87)
	ev = h.expectEvent(t, EventFinal)
	if ev.Text != "turn off the lights" {
		t.Errorf("final text = %q, want %q", ev.Text, "turn off the lights")
	}

	// The final must land in the transcript store.
	waitFor(t, func() bool { return len(h.store.Entries()) == 1 }, "final never persisted")
	entry := h.store.Entries()[0]
	if entry.Text != "turn off the lights" || entry.Confidence != 0.87 {
		t.Errorf("persisted entry = %+v", entry)
	}
	if entry.SessionID == "" {
		t.Error("persisted entry missing session id")
	}

	if err := h.client.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-h.result:
		if err != nil {
			t.Fatalf("handler returned %v on clean close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not finish")
	}
}

// expectErrorThenClose asserts the teardown contract: an error event reaches
// the client as the last message before the close frame with the given status.
func (h *handlerHarness) expectErrorThenClose(t *testing.T, status websocket.StatusCode) {
	t.Helper()
	ev := h.expectEvent(t, EventError)
	if ev.Text == "" {
		t.Error("error event has no message text")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := h.client.Read(ctx)
	if websocket.CloseStatus(err) != status {
		t.Errorf("close status = %v, want %v", websocket.CloseStatus(err), status)
	}
}

func TestHandlerRejectsTextMessages(t *testing.T) {
	t.Parallel()

	h := newHandlerHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.client.Write(ctx, websocket.MessageText, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case err := <-h.result:
		if err == nil {
			t.Fatal("handler accepted a text message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not fail")
	}

	h.expectErrorThenClose(t, websocket.StatusUnsupportedData)
}

func TestHandlerRejectsMisSizedFrames(t *testing.T) {
	t.Parallel()

	h := newHandlerHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// One sample short of a full frame.
	short := make([]byte, (testFrameSamples-1)*4)
	if err := h.client.Write(ctx, websocket.MessageBinary, short); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case err := <-h.result:
		if err == nil {
			t.Fatal("handler accepted a mis-sized frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not fail")
	}

	h.expectErrorThenClose(t, websocket.StatusInvalidFramePayloadData)
}

func TestHandlerSendsErrorEventOnMachineFailure(t *testing.T) {
	t.Parallel()

	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	engines := Engines{
		VAD: &vadmock.Engine{NewSessionErr: errors.New("model missing")},
		KWS: &kwsmock.Engine{},
		ASR: &asrmock.Engine{},
	}

	result := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		handler := NewHandler(conn, engines, HandlerConfig{FrameSamples: testFrameSamples}, WithMetrics(metrics))
		result <- handler.Run(r.Context())
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(websocket.StatusNormalClosure, "") })

	select {
	case err := <-result:
		if err == nil {
			t.Fatal("handler succeeded with a broken vad engine")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not fail")
	}

	typ, data, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("read error event: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("got %v message, want text", typ)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event %q: %v", data, err)
	}
	if ev.Type != EventError {
		t.Fatalf("got event %q, want error", ev.Type)
	}

	_, _, err = client.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusInternalError {
		t.Errorf("close status = %v, want StatusInternalError", websocket.CloseStatus(err))
	}
}

func TestEventSinkDropsWhenSessionTearsDown(t *testing.T) {
	t.Parallel()

	events := make(chan Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	sink := eventSink(ctx, events)

	// Fill the buffer with the consumer gone, then tear the session down.
	sink(Event{Type: EventPartial})
	cancel()

	done := make(chan struct{})
	go func() {
		sink(Event{Type: EventFinal})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event sink blocked the machine goroutine after teardown")
	}
}

func TestHandlerIDIsUnique(t *testing.T) {
	t.Parallel()

	engines := Engines{VAD: &vadmock.Engine{}, KWS: &kwsmock.Engine{}, ASR: &asrmock.Engine{}}
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	a := NewHandler(nil, engines, HandlerConfig{}, WithMetrics(metrics))
	b := NewHandler(nil, engines, HandlerConfig{}, WithMetrics(metrics))
	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("handler ids %q and %q are not unique", a.ID(), b.ID())
	}
}
