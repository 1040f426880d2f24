// Package energy implements vad.Engine with a pure-Go RMS energy gate.
//
// The detector classifies each frame by its root-mean-square level and uses
// hysteresis plus debounce counters to avoid flickering between speech and
// silence at the boundary. It is not as robust as a model-based VAD but has
// zero dependencies and sub-microsecond latency, which makes it the default
// engine for local deployments and tests.
package energy

import (
	"fmt"
	"sync"

	"github.com/voximind/earshot/pkg/audio"
	"github.com/voximind/earshot/pkg/engine/vad"
)

const (
	defaultSpeechThreshold  = 0.015
	defaultSilenceThreshold = 0.008
	defaultStartFrames      = 1
	defaultEndFrames        = 3

	// smoothing is the exponential smoothing factor applied to frame energy
	// before thresholding.
	smoothing = 0.3
)

// Engine creates RMS energy VAD sessions.
type Engine struct{}

// New returns an energy VAD engine.
func New() *Engine {
	return &Engine{}
}

// NewSession creates a detection session. Zero-valued thresholds and debounce
// counts fall back to defaults tuned for 16 kHz 200 ms frames.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = defaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = defaultSilenceThreshold
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %.4f exceeds speech threshold %.4f",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	if cfg.StartFrames <= 0 {
		cfg.StartFrames = defaultStartFrames
	}
	if cfg.EndFrames <= 0 {
		cfg.EndFrames = defaultEndFrames
	}
	return &session{cfg: cfg}, nil
}

var _ vad.Engine = (*Engine)(nil)

// session holds the per-stream hysteresis state.
type session struct {
	mu  sync.Mutex
	cfg vad.Config

	inSpeech     bool
	speechCount  int
	silenceCount int
	smoothed     float64
	primed       bool
	closed       bool
}

// ProcessFrame classifies one frame and reports boundary crossings.
func (s *session) ProcessFrame(frame []float32) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.Event{}, fmt.Errorf("energy: session closed")
	}
	if len(frame) == 0 {
		return vad.Event{}, fmt.Errorf("energy: empty frame")
	}

	level := audio.RMS(frame)
	if !s.primed {
		s.smoothed = level
		s.primed = true
	} else {
		s.smoothed = smoothing*level + (1-smoothing)*s.smoothed
	}

	ev := vad.Event{Probability: probability(s.smoothed, s.cfg.SpeechThreshold)}

	if s.inSpeech {
		if s.smoothed < s.cfg.SilenceThreshold {
			s.silenceCount++
			if s.silenceCount >= s.cfg.EndFrames {
				s.inSpeech = false
				s.silenceCount = 0
				s.speechCount = 0
				ev.Type = vad.SpeechEnd
			}
		} else {
			s.silenceCount = 0
		}
		return ev, nil
	}

	if s.smoothed >= s.cfg.SpeechThreshold {
		s.speechCount++
		if s.speechCount >= s.cfg.StartFrames {
			s.inSpeech = true
			s.speechCount = 0
			s.silenceCount = 0
			ev.Type = vad.SpeechStart
		}
	} else {
		s.speechCount = 0
	}
	return ev, nil
}

// Reset clears hysteresis state without closing the session.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
	s.speechCount = 0
	s.silenceCount = 0
	s.smoothed = 0
	s.primed = false
}

// Close marks the session closed. Safe to call more than once.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*session)(nil)

// probability maps a smoothed energy level to a rough voiced-speech score.
// Levels at or above twice the speech threshold saturate at 1.
func probability(level, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	p := level / (2 * threshold)
	if p > 1 {
		p = 1
	}
	return p
}
