package resilience

import (
	"context"

	"github.com/voximind/earshot/pkg/engine/asr"
	"github.com/voximind/earshot/pkg/engine/kws"
)

// KWSEngine wraps a keyword-spotting engine with a circuit breaker on
// session creation. Established sessions are not affected; only new dials
// are gated.
type KWSEngine struct {
	inner   kws.Engine
	breaker *CircuitBreaker
}

// NewKWSEngine wraps inner with a breaker built from cfg.
func NewKWSEngine(inner kws.Engine, cfg CircuitBreakerConfig) *KWSEngine {
	return &KWSEngine{inner: inner, breaker: NewCircuitBreaker(cfg)}
}

var _ kws.Engine = (*KWSEngine)(nil)

// NewSession opens a session through the breaker. When the breaker is open
// it returns [ErrCircuitOpen] without dialing.
func (e *KWSEngine) NewSession(ctx context.Context, cfg kws.Config) (kws.SessionHandle, error) {
	var handle kws.SessionHandle
	err := e.breaker.Execute(func() error {
		var err error
		handle, err = e.inner.NewSession(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// ASREngine wraps a recognition engine with a circuit breaker on stream
// creation.
type ASREngine struct {
	inner   asr.Engine
	breaker *CircuitBreaker
}

// NewASREngine wraps inner with a breaker built from cfg.
func NewASREngine(inner asr.Engine, cfg CircuitBreakerConfig) *ASREngine {
	return &ASREngine{inner: inner, breaker: NewCircuitBreaker(cfg)}
}

var _ asr.Engine = (*ASREngine)(nil)

// StartStream opens a stream through the breaker. When the breaker is open
// it returns [ErrCircuitOpen] without dialing.
func (e *ASREngine) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	var handle asr.SessionHandle
	err := e.breaker.Execute(func() error {
		var err error
		handle, err = e.inner.StartStream(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}
