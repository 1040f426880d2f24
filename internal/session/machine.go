package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/voximind/earshot/pkg/engine/asr"
	"github.com/voximind/earshot/pkg/engine/kws"
	"github.com/voximind/earshot/pkg/engine/vad"
)

// Engines bundles the three inference collaborators a session needs. They
// are shared across sessions; all per-session state lives in the handles the
// stage adapters open and close.
type Engines struct {
	VAD vad.Engine
	KWS kws.Engine
	ASR asr.Engine
}

// MachineConfig holds the orchestration tuning parameters. The timeout
// durations are deployment tuning inputs, not structural constants.
type MachineConfig struct {
	VAD vad.Config
	KWS kws.Config
	ASR asr.StreamConfig

	// WakeWindow bounds how long the session listens for the wake phrase
	// after voiced audio starts before giving up. Default 6s.
	WakeWindow time.Duration

	// EndOfUtterance is the sustained-silence duration after which an active
	// recognition is finalized. Default 1.2s.
	EndOfUtterance time.Duration

	// WakeGrace is the window after a speech-end during which a late keyword
	// confirmation still wakes the session. Default 500ms.
	WakeGrace time.Duration
}

func (c *MachineConfig) applyDefaults() {
	if c.WakeWindow <= 0 {
		c.WakeWindow = 6 * time.Second
	}
	if c.EndOfUtterance <= 0 {
		c.EndOfUtterance = 1200 * time.Millisecond
	}
	if c.WakeGrace <= 0 {
		c.WakeGrace = 500 * time.Millisecond
	}
}

// Machine is the session state machine: the single authority deciding which
// stages run and how stage events change session state. It runs as one
// goroutine (Run) that multiplexes inbound frames, stage events, and the two
// session timers; stage adapters are only ever touched from that goroutine.
type Machine struct {
	cfg MachineConfig
	out func(Event)

	vad *vadStage
	kws *kwsStage
	asr *asrStage

	// events carries results from the asynchronous stages (and, for
	// uniformity, everything the VAD stage returns inline).
	events chan StageEvent

	state  State
	voiced bool

	wakeTimer  *time.Timer
	graceTimer *time.Timer
	eouTimer   *time.Timer
}

// NewMachine creates a machine wired to the given engines. Session events
// are delivered through out, which is called from the machine goroutine and
// must not block for long.
func NewMachine(cfg MachineConfig, engines Engines, out func(Event)) *Machine {
	cfg.applyDefaults()
	events := make(chan StageEvent, 64)
	return &Machine{
		cfg:    cfg,
		out:    out,
		vad:    newVADStage(engines.VAD, cfg.VAD),
		kws:    newKWSStage(engines.KWS, cfg.KWS, events),
		asr:    newASRStage(engines.ASR, cfg.ASR, events),
		events: events,
		state:  StateIdle,
	}
}

// State returns the current orchestration state. Only meaningful from the
// machine goroutine; exported for tests that drive Run synchronously.
func (m *Machine) State() State { return m.state }

// Run drives the session until frames closes (end of session), ctx is
// cancelled, or a fatal error occurs. On every exit path all stages are
// deactivated and their engine handles released.
func (m *Machine) Run(ctx context.Context, frames <-chan Frame) error {
	defer m.shutdown()

	if err := m.vad.activate(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if err := m.handleFrame(ctx, f); err != nil {
				return err
			}

		case ev := <-m.events:
			if err := m.handleStageEvent(ctx, ev); err != nil {
				return err
			}

		case <-timerC(m.wakeTimer):
			m.wakeTimer = nil
			m.onWakeWindowExpired(ctx)

		case <-timerC(m.graceTimer):
			m.graceTimer = nil
			m.onGraceExpired(ctx)

		case <-timerC(m.eouTimer):
			m.eouTimer = nil
			m.onUtteranceTimeout(ctx)
		}
	}
}

// handleFrame feeds one frame to every active stage in order. VAD runs
// inline; its boundary events go through the same consumption path as the
// asynchronous stages.
func (m *Machine) handleFrame(ctx context.Context, f Frame) error {
	vadEvents, err := m.vad.feed(f)
	if err != nil {
		return err
	}
	if err := m.kws.feed(f); err != nil {
		return err
	}
	if err := m.asr.feed(f); err != nil {
		return err
	}
	for _, ev := range vadEvents {
		if err := m.handleStageEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// handleStageEvent is the single consumption point for stage output. The
// generation check here is the session's entire cancellation mechanism:
// events tagged with a generation older than the stage's current one are
// dropped before they can influence state.
func (m *Machine) handleStageEvent(ctx context.Context, ev StageEvent) error {
	if ev.Generation != m.generationOf(ev.Stage) {
		slog.Debug("discarding stale stage event",
			"stage", ev.Stage, "generation", ev.Generation, "current", m.generationOf(ev.Stage))
		return nil
	}

	switch ev.Kind {
	case StageSpeechStart:
		m.onSpeechStart(ctx)
	case StageSpeechEnd:
		m.onSpeechEnd()
	case StageKeywordHit:
		m.onKeywordHit(ctx, ev.Confidence)
	case StagePartial:
		if m.state == StateRecognizing {
			m.extendEOU()
			e := newEvent(m.state, EventPartial)
			e.Text = ev.Text
			m.out(e)
		}
	case StageFinal:
		m.onFinal(ctx, ev)
	case StageError:
		m.onStageError(ctx, ev)
	}
	return nil
}

func (m *Machine) onSpeechStart(ctx context.Context) {
	m.voiced = true
	m.stopGrace()
	m.out(newEvent(stateAfterSpeechStart(m.state), EventSpeechStart))

	switch m.state {
	case StateIdle:
		m.state = StateListening
		m.resetWakeWindow()
		m.reconcile(ctx)
	case StateListening:
		// Renewed speech inside the listening window extends it.
		m.resetWakeWindow()
	case StateRecognizing:
		m.stopEOU()
	}
}

func (m *Machine) onSpeechEnd() {
	m.voiced = false
	m.out(newEvent(m.state, EventSpeechEnd))

	switch m.state {
	case StateListening:
		// Keep KWS armed for a grace window: a late keyword confirmation
		// racing the end-of-voice decision should still wake.
		m.graceTimer = time.NewTimer(m.cfg.WakeGrace)
	case StateRecognizing:
		// Silence alone does not finalize: partials arriving during the
		// pause re-arm this deadline, so only a decoder that has also gone
		// quiet times out.
		m.eouTimer = time.NewTimer(m.cfg.EndOfUtterance)
	}
}

// stateAfterSpeechStart reports the state a speech_start event should carry:
// from idle the session is already transitioning to listening.
func stateAfterSpeechStart(s State) State {
	if s == StateIdle {
		return StateListening
	}
	return s
}

func (m *Machine) onKeywordHit(ctx context.Context, confidence float64) {
	switch m.state {
	case StateListening:
		m.wake(ctx, confidence)

	case StateRecognizing:
		// Barge-in: the wake phrase always regains control, unconditionally
		// on whatever ASR has produced so far. Correctness rests on the
		// generation bump in deactivate, not on the engine acknowledging
		// cancellation.
		m.out(newEvent(m.state, EventInterrupted))
		m.asr.deactivate()
		m.stopEOU()
		m.wake(ctx, confidence)
	}
}

// wake performs the AWAKE → RECOGNIZING entry: emits the transitional wake
// event and activates ASR.
func (m *Machine) wake(ctx context.Context, confidence float64) {
	m.stopWakeWindow()
	m.stopGrace()

	m.state = StateAwake
	e := newEvent(m.state, EventWake)
	e.Confidence = confidence
	m.out(e)

	m.state = StateRecognizing
	m.reconcile(ctx)
}

func (m *Machine) onFinal(ctx context.Context, ev StageEvent) {
	if m.state != StateRecognizing {
		return
	}
	e := newEvent(m.state, EventFinal)
	e.Text = ev.Text
	e.Confidence = ev.Confidence
	m.out(e)

	m.asr.deactivate()
	m.stopEOU()

	// If the speaker is still mid-span the wake phrase must stay spottable
	// without waiting for a fresh speech-start, so fall back to listening
	// rather than idle.
	if m.voiced {
		m.state = StateListening
		m.resetWakeWindow()
	} else {
		m.state = StateIdle
	}
	m.reconcile(ctx)
}

func (m *Machine) onWakeWindowExpired(ctx context.Context) {
	if m.state != StateListening {
		return
	}
	if m.voiced {
		// Still mid-speech: extend rather than strand the session in idle
		// where VAD would never re-emit a speech-start.
		m.resetWakeWindow()
		return
	}
	m.stopGrace()
	m.state = StateIdle
	m.reconcile(ctx)
}

func (m *Machine) onGraceExpired(ctx context.Context) {
	if m.state != StateListening || m.voiced {
		return
	}
	m.stopWakeWindow()
	m.state = StateIdle
	m.reconcile(ctx)
}

func (m *Machine) onUtteranceTimeout(ctx context.Context) {
	if m.state != StateRecognizing {
		return
	}
	// Finalize by deactivation: a late final from the engine carries the old
	// generation and is discarded.
	m.asr.deactivate()
	m.state = StateIdle
	m.reconcile(ctx)
}

// onStageError downgrades an engine failure to a null result: the failing
// stage is deactivated and immediately reactivated through reconcile if the
// current state still needs it.
func (m *Machine) onStageError(ctx context.Context, ev StageEvent) {
	slog.Warn("stage error", "stage", ev.Stage, "seq", ev.Seq, "err", ev.Err)
	switch ev.Stage {
	case StageVAD:
		m.vad.deactivate()
	case StageKWS:
		m.kws.deactivate()
	case StageASR:
		m.asr.deactivate()
	}
	m.reconcile(ctx)
}

// reconcile aligns the running stage set with the current state. The mapping
// is a pure function: idle {VAD}, listening {VAD, KWS}, recognizing {VAD,
// KWS, ASR}. Activation failures are downgraded to warnings; the stage will
// be retried on the next reconcile.
func (m *Machine) reconcile(ctx context.Context) {
	if err := m.vad.activate(); err != nil {
		slog.Warn("vad activation failed", "err", err)
	}

	switch m.state {
	case StateIdle:
		m.kws.deactivate()
		m.asr.deactivate()
	case StateListening:
		if err := m.kws.activate(ctx); err != nil {
			slog.Warn("kws activation failed", "err", err)
		}
		m.asr.deactivate()
	case StateAwake, StateRecognizing:
		if err := m.kws.activate(ctx); err != nil {
			slog.Warn("kws activation failed", "err", err)
		}
		if err := m.asr.activate(ctx); err != nil {
			slog.Warn("asr activation failed", "err", err)
		}
	}
}

func (m *Machine) generationOf(kind StageKind) uint64 {
	switch kind {
	case StageVAD:
		return m.vad.generation()
	case StageKWS:
		return m.kws.generation()
	case StageASR:
		return m.asr.generation()
	}
	return 0
}

// shutdown deactivates every stage. Runs on every Run exit path.
func (m *Machine) shutdown() {
	m.stopWakeWindow()
	m.stopGrace()
	m.stopEOU()
	m.asr.deactivate()
	m.kws.deactivate()
	m.vad.deactivate()
}

func (m *Machine) resetWakeWindow() {
	m.stopWakeWindow()
	m.wakeTimer = time.NewTimer(m.cfg.WakeWindow)
}

func (m *Machine) stopWakeWindow() {
	if m.wakeTimer != nil {
		m.wakeTimer.Stop()
		m.wakeTimer = nil
	}
}

func (m *Machine) stopGrace() {
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
}

// extendEOU pushes the end-of-utterance deadline out again. A no-op while the
// timer is not armed, i.e. before the speech-end.
func (m *Machine) extendEOU() {
	if m.eouTimer != nil {
		m.eouTimer.Stop()
		m.eouTimer = time.NewTimer(m.cfg.EndOfUtterance)
	}
}

func (m *Machine) stopEOU() {
	if m.eouTimer != nil {
		m.eouTimer.Stop()
		m.eouTimer = nil
	}
}

// timerC returns a timer's channel, or nil (blocking forever in select) when
// the timer is not armed.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
