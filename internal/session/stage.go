package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/voximind/earshot/pkg/engine/asr"
	"github.com/voximind/earshot/pkg/engine/kws"
	"github.com/voximind/earshot/pkg/engine/vad"
)

// stageQueueDepth bounds the per-stage input queue used when an engine's
// prior feed call is still inflight. Frames beyond this depth are shed for
// that stage only; the session-level buffer ordering is unaffected.
const stageQueueDepth = 32

// checkOrder enforces non-decreasing sequence numbers into a stage.
func checkOrder(kind StageKind, seen bool, last, seq uint64) error {
	if seen && seq < last {
		return fmt.Errorf("%w: stage %s fed frame %d after frame %d", ErrOrderingViolation, kind, seq, last)
	}
	return nil
}

// vadStage adapts a synchronous VAD engine. ProcessFrame is cheap, so feed
// runs inline in the machine loop and returns boundary events directly.
//
// All stage adapters are owned by a single Machine and are not safe for
// concurrent use; only the generation counter is read from other goroutines.
type vadStage struct {
	engine vad.Engine
	cfg    vad.Config

	gen     atomic.Uint64
	handle  vad.SessionHandle
	running bool
	seen    bool
	lastSeq uint64
}

func newVADStage(engine vad.Engine, cfg vad.Config) *vadStage {
	return &vadStage{engine: engine, cfg: cfg}
}

// activate allocates a fresh engine session and bumps the generation.
// Idempotent when already running.
func (s *vadStage) activate() error {
	if s.running {
		return nil
	}
	h, err := s.engine.NewSession(s.cfg)
	if err != nil {
		return fmt.Errorf("session: activate vad: %w", err)
	}
	s.gen.Add(1)
	s.handle = h
	s.running = true
	return nil
}

// feed processes one frame and maps the boundary decision to stage events.
func (s *vadStage) feed(f Frame) ([]StageEvent, error) {
	if !s.running {
		return nil, nil
	}
	if err := checkOrder(StageVAD, s.seen, s.lastSeq, f.Seq); err != nil {
		return nil, err
	}
	s.seen = true
	s.lastSeq = f.Seq

	ev, err := s.handle.ProcessFrame(f.Samples)
	if err != nil {
		return []StageEvent{{Stage: StageVAD, Kind: StageError, Generation: s.gen.Load(), Seq: f.Seq, Err: err}}, nil
	}

	switch ev.Type {
	case vad.SpeechStart:
		return []StageEvent{{Stage: StageVAD, Kind: StageSpeechStart, Confidence: ev.Probability, Generation: s.gen.Load(), Seq: f.Seq}}, nil
	case vad.SpeechEnd:
		return []StageEvent{{Stage: StageVAD, Kind: StageSpeechEnd, Confidence: ev.Probability, Generation: s.gen.Load(), Seq: f.Seq}}, nil
	}
	return nil, nil
}

// deactivate discards the engine session. The generation bump makes any
// event tagged with the old generation stale. No-op when already idle.
func (s *vadStage) deactivate() {
	if !s.running {
		return
	}
	s.gen.Add(1)
	s.running = false
	_ = s.handle.Close()
	s.handle = nil
}

func (s *vadStage) active() bool       { return s.running }
func (s *vadStage) generation() uint64 { return s.gen.Load() }

// kwsStage adapts an asynchronous keyword spotter. Frames are queued to a
// per-activation worker so that a slow engine call never blocks the machine
// loop; hits flow back through the shared stage-event channel tagged with the
// activation's generation.
type kwsStage struct {
	engine kws.Engine
	cfg    kws.Config
	events chan<- StageEvent

	gen     atomic.Uint64
	running bool
	seen    bool
	lastSeq uint64

	handle  kws.SessionHandle
	in      chan Frame
	cancel  context.CancelFunc
	lastFed *atomic.Uint64
	shed    atomic.Uint64
}

func newKWSStage(engine kws.Engine, cfg kws.Config, events chan<- StageEvent) *kwsStage {
	return &kwsStage{engine: engine, cfg: cfg, events: events}
}

// activate opens a fresh spotting session scoped to frames fed from now on.
// Idempotent when already running.
func (s *kwsStage) activate(ctx context.Context) error {
	if s.running {
		return nil
	}
	h, err := s.engine.NewSession(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("session: activate kws: %w", err)
	}

	gen := s.gen.Add(1)
	stageCtx, cancel := context.WithCancel(ctx)
	in := make(chan Frame, stageQueueDepth)
	lastFed := &atomic.Uint64{}

	s.handle = h
	s.in = in
	s.cancel = cancel
	s.lastFed = lastFed
	s.running = true

	// Worker: drains the input queue into the engine.
	go func() {
		for f := range in {
			if err := h.SendAudio(f.Samples); err != nil {
				emit(stageCtx, s.events, StageEvent{Stage: StageKWS, Kind: StageError, Generation: gen, Seq: f.Seq, Err: err})
				return
			}
			lastFed.Store(f.Seq)
		}
	}()

	// Forwarder: delivers hits tagged with the feed-time generation.
	go func() {
		for hit := range h.Hits() {
			emit(stageCtx, s.events, StageEvent{
				Stage:      StageKWS,
				Kind:       StageKeywordHit,
				Text:       hit.Keyword,
				Confidence: hit.Confidence,
				Generation: gen,
				Seq:        lastFed.Load(),
			})
		}
	}()

	return nil
}

// feed queues one frame for the worker. Frames are shed per-stage when the
// engine stalls long enough to fill the queue.
func (s *kwsStage) feed(f Frame) error {
	if !s.running {
		return nil
	}
	if err := checkOrder(StageKWS, s.seen, s.lastSeq, f.Seq); err != nil {
		return err
	}
	s.seen = true
	s.lastSeq = f.Seq

	select {
	case s.in <- f:
	default:
		if s.shed.Add(1) == 1 {
			slog.Warn("kws stage queue full, shedding frames", "seq", f.Seq)
		}
	}
	return nil
}

// deactivate stops the stage without waiting for inflight engine calls. The
// generation bump is what cancels them: any result they still produce is
// tagged stale and discarded at consumption. No-op when already idle.
func (s *kwsStage) deactivate() {
	if !s.running {
		return
	}
	s.gen.Add(1)
	s.running = false
	close(s.in)
	s.cancel()
	_ = s.handle.Close()
	s.handle = nil
	s.in = nil
}

func (s *kwsStage) active() bool       { return s.running }
func (s *kwsStage) generation() uint64 { return s.gen.Load() }

// asrStage adapts an asynchronous streaming recognizer, structured like
// kwsStage: per-activation worker for input, forwarders for partial and
// final transcripts.
type asrStage struct {
	engine asr.Engine
	cfg    asr.StreamConfig
	events chan<- StageEvent

	gen     atomic.Uint64
	running bool
	seen    bool
	lastSeq uint64

	handle  asr.SessionHandle
	in      chan Frame
	cancel  context.CancelFunc
	lastFed *atomic.Uint64
	shed    atomic.Uint64
}

func newASRStage(engine asr.Engine, cfg asr.StreamConfig, events chan<- StageEvent) *asrStage {
	return &asrStage{engine: engine, cfg: cfg, events: events}
}

// activate opens a fresh recognition stream. Idempotent when already running.
func (s *asrStage) activate(ctx context.Context) error {
	if s.running {
		return nil
	}
	h, err := s.engine.StartStream(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("session: activate asr: %w", err)
	}

	gen := s.gen.Add(1)
	stageCtx, cancel := context.WithCancel(ctx)
	in := make(chan Frame, stageQueueDepth)
	lastFed := &atomic.Uint64{}

	s.handle = h
	s.in = in
	s.cancel = cancel
	s.lastFed = lastFed
	s.running = true

	go func() {
		for f := range in {
			if err := h.SendAudio(f.Samples); err != nil {
				emit(stageCtx, s.events, StageEvent{Stage: StageASR, Kind: StageError, Generation: gen, Seq: f.Seq, Err: err})
				return
			}
			lastFed.Store(f.Seq)
		}
	}()

	go func() {
		for tr := range h.Partials() {
			emit(stageCtx, s.events, StageEvent{
				Stage:      StageASR,
				Kind:       StagePartial,
				Text:       tr.Text,
				Confidence: tr.Confidence,
				Generation: gen,
				Seq:        lastFed.Load(),
			})
		}
	}()

	go func() {
		for tr := range h.Finals() {
			emit(stageCtx, s.events, StageEvent{
				Stage:      StageASR,
				Kind:       StageFinal,
				Text:       tr.Text,
				Confidence: tr.Confidence,
				Generation: gen,
				Seq:        lastFed.Load(),
			})
		}
	}()

	return nil
}

// feed queues one frame for the worker.
func (s *asrStage) feed(f Frame) error {
	if !s.running {
		return nil
	}
	if err := checkOrder(StageASR, s.seen, s.lastSeq, f.Seq); err != nil {
		return err
	}
	s.seen = true
	s.lastSeq = f.Seq

	select {
	case s.in <- f:
	default:
		if s.shed.Add(1) == 1 {
			slog.Warn("asr stage queue full, shedding frames", "seq", f.Seq)
		}
	}
	return nil
}

// deactivate stops the stage; an inflight recognition may still deliver a
// final, which will carry the old generation and be discarded. No-op when
// already idle.
func (s *asrStage) deactivate() {
	if !s.running {
		return
	}
	s.gen.Add(1)
	s.running = false
	close(s.in)
	s.cancel()
	_ = s.handle.Close()
	s.handle = nil
	s.in = nil
}

func (s *asrStage) active() bool       { return s.running }
func (s *asrStage) generation() uint64 { return s.gen.Load() }

// emit delivers a stage event unless the session is shutting down.
func emit(ctx context.Context, events chan<- StageEvent, ev StageEvent) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
