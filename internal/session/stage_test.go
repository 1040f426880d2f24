package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voximind/earshot/pkg/engine/asr"
	asrmock "github.com/voximind/earshot/pkg/engine/asr/mock"
	"github.com/voximind/earshot/pkg/engine/kws"
	kwsmock "github.com/voximind/earshot/pkg/engine/kws/mock"
	"github.com/voximind/earshot/pkg/engine/vad"
	vadmock "github.com/voximind/earshot/pkg/engine/vad/mock"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func recvStageEvent(t *testing.T, events <-chan StageEvent) StageEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stage event")
		return StageEvent{}
	}
}

func TestVADStageLifecycle(t *testing.T) {
	t.Parallel()

	ses := &vadmock.Session{}
	eng := &vadmock.Engine{Session: ses}
	s := newVADStage(eng, vad.Config{SampleRate: 16000})

	// Inactive stage ignores frames.
	evs, err := s.feed(Frame{Seq: 1})
	if err != nil || evs != nil {
		t.Fatalf("feed before activate: events %v, err %v", evs, err)
	}

	if err := s.activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if got := s.generation(); got != 1 {
		t.Fatalf("generation after activate = %d, want 1", got)
	}
	if err := s.activate(); err != nil {
		t.Fatalf("second activate: %v", err)
	}
	if got := s.generation(); got != 1 {
		t.Errorf("generation after idempotent activate = %d, want 1", got)
	}

	ses.ProcessFunc = func([]float32) (vad.Event, error) {
		return vad.Event{Type: vad.SpeechStart, Probability: 0.9}, nil
	}
	evs, err = s.feed(Frame{Seq: 2})
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(evs) != 1 || evs[0].Kind != StageSpeechStart || evs[0].Generation != 1 || evs[0].Seq != 2 {
		t.Fatalf("feed returned %+v, want one speech-start at generation 1, seq 2", evs)
	}

	s.deactivate()
	s.deactivate()
	if ses.CloseCallCount != 1 {
		t.Errorf("CloseCallCount = %d, want 1 after double deactivate", ses.CloseCallCount)
	}
	if got := s.generation(); got != 2 {
		t.Errorf("generation after deactivate = %d, want 2", got)
	}

	if err := s.activate(); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if len(eng.NewSessionCalls) != 2 {
		t.Errorf("NewSession called %d times, want 2", len(eng.NewSessionCalls))
	}
	if got := s.generation(); got != 3 {
		t.Errorf("generation after reactivate = %d, want 3", got)
	}
}

func TestVADStageErrorDowngrade(t *testing.T) {
	t.Parallel()

	ses := &vadmock.Session{ProcessFrameErr: errors.New("model crashed")}
	s := newVADStage(&vadmock.Engine{Session: ses}, vad.Config{SampleRate: 16000})
	if err := s.activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}

	evs, err := s.feed(Frame{Seq: 1})
	if err != nil {
		t.Fatalf("engine failure must not be fatal to feed: %v", err)
	}
	if len(evs) != 1 || evs[0].Kind != StageError || evs[0].Err == nil {
		t.Fatalf("feed returned %+v, want one StageError event", evs)
	}
}

func TestVADStageOrdering(t *testing.T) {
	t.Parallel()

	s := newVADStage(&vadmock.Engine{Session: &vadmock.Session{}}, vad.Config{SampleRate: 16000})
	if err := s.activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if _, err := s.feed(Frame{Seq: 5}); err != nil {
		t.Fatalf("feed seq 5: %v", err)
	}
	// Equal seq is allowed, regression is not.
	if _, err := s.feed(Frame{Seq: 5}); err != nil {
		t.Fatalf("feed repeated seq 5: %v", err)
	}
	_, err := s.feed(Frame{Seq: 3})
	if !errors.Is(err, ErrOrderingViolation) {
		t.Fatalf("feed seq 3 after 5: err = %v, want ErrOrderingViolation", err)
	}
}

func TestKWSStageForwardsHits(t *testing.T) {
	t.Parallel()

	eng := &kwsmock.Engine{}
	events := make(chan StageEvent, 16)
	s := newKWSStage(eng, kws.Config{SampleRate: 16000, Keyword: "hey nova"}, events)

	if err := s.activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	ses := eng.Last()
	if ses == nil {
		t.Fatal("no session created")
	}

	if err := s.feed(Frame{Seq: 7, Samples: make([]float32, 4)}); err != nil {
		t.Fatalf("feed: %v", err)
	}
	waitFor(t, func() bool { return ses.SendAudioCount() == 1 }, "frame never reached the engine")

	ses.Emit(kws.Hit{Keyword: "hey nova", Confidence: 0.91})
	ev := recvStageEvent(t, events)
	if ev.Kind != StageKeywordHit || ev.Text != "hey nova" || ev.Confidence != 0.91 {
		t.Fatalf("got %+v, want keyword hit for %q", ev, "hey nova")
	}
	if ev.Generation != 1 || ev.Seq != 7 {
		t.Errorf("hit tagged generation %d seq %d, want 1 and 7", ev.Generation, ev.Seq)
	}

	s.deactivate()
	s.deactivate()
	if got := ses.CloseCallCount; got != 1 {
		t.Errorf("CloseCallCount = %d, want 1 after double deactivate", got)
	}
	if got := s.generation(); got != 2 {
		t.Errorf("generation after deactivate = %d, want 2", got)
	}
	if err := s.feed(Frame{Seq: 8}); err != nil {
		t.Errorf("feed after deactivate: %v", err)
	}
}

func TestKWSStageShedsWhenEngineStalls(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	blocked := &blockingKWSSession{release: release, hits: make(chan kws.Hit)}
	eng := &kwsmock.Engine{
		NewSessionFunc: func(context.Context, kws.Config) (kws.SessionHandle, error) {
			return blocked, nil
		},
	}

	events := make(chan StageEvent, 16)
	s := newKWSStage(eng, kws.Config{SampleRate: 16000, Keyword: "hey nova"}, events)
	if err := s.activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// One frame can be inflight and stageQueueDepth queued; the rest must be
	// shed without blocking or failing the session.
	for seq := uint64(1); seq <= uint64(stageQueueDepth)+8; seq++ {
		if err := s.feed(Frame{Seq: seq}); err != nil {
			t.Fatalf("feed seq %d: %v", seq, err)
		}
	}
	if s.shed.Load() == 0 {
		t.Error("no frames shed while the engine was stalled")
	}
}

func TestASRStageForwardsTranscripts(t *testing.T) {
	t.Parallel()

	eng := &asrmock.Engine{}
	events := make(chan StageEvent, 16)
	s := newASRStage(eng, asr.StreamConfig{SampleRate: 16000, Language: "en"}, events)

	if err := s.activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	ses := eng.Last()
	if ses == nil {
		t.Fatal("no session created")
	}

	ses.EmitPartial("turn off")
	ev := recvStageEvent(t, events)
	if ev.Kind != StagePartial || ev.Text != "turn off" || ev.Generation != 1 {
		t.Fatalf("got %+v, want partial %q at generation 1", ev, "turn off")
	}

	ses.EmitFinal("turn off the lights", 0.87)
	ev = recvStageEvent(t, events)
	if ev.Kind != StageFinal || ev.Text != "turn off the lights" || ev.Confidence != 0.87 {
		t.Fatalf("got %+v, want final %q", ev, "turn off the lights")
	}

	s.deactivate()
	if got := s.generation(); got != 2 {
		t.Errorf("generation after deactivate = %d, want 2", got)
	}
}

// blockingKWSSession stalls SendAudio until released.
type blockingKWSSession struct {
	release chan struct{}
	hits    chan kws.Hit
}

func (b *blockingKWSSession) SendAudio([]float32) error {
	<-b.release
	return nil
}

func (b *blockingKWSSession) Hits() <-chan kws.Hit { return b.hits }
func (b *blockingKWSSession) Close() error         { return nil }
