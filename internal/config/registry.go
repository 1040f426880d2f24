package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voximind/earshot/pkg/engine/asr"
	"github.com/voximind/earshot/pkg/engine/kws"
	"github.com/voximind/earshot/pkg/engine/vad"
)

// ErrEngineNotRegistered is returned by Create* methods when no factory has
// been registered under the requested engine name.
var ErrEngineNotRegistered = errors.New("config: engine not registered")

// Registry maps engine names to their constructor functions for each stage.
// It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	vad map[string]func(EngineEntry) (vad.Engine, error)
	kws map[string]func(EngineEntry) (kws.Engine, error)
	asr map[string]func(EngineEntry) (asr.Engine, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad: make(map[string]func(EngineEntry) (vad.Engine, error)),
		kws: make(map[string]func(EngineEntry) (kws.Engine, error)),
		asr: make(map[string]func(EngineEntry) (asr.Engine, error)),
	}
}

// RegisterVAD registers a VAD engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name string, factory func(EngineEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterKWS registers a keyword-spotting engine factory under name.
func (r *Registry) RegisterKWS(name string, factory func(EngineEntry) (kws.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kws[name] = factory
}

// RegisterASR registers a speech-recognition engine factory under name.
func (r *Registry) RegisterASR(name string, factory func(EngineEntry) (asr.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr[name] = factory
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
// Returns [ErrEngineNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateVAD(entry EngineEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrEngineNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateKWS instantiates a keyword-spotting engine using the factory registered under entry.Name.
func (r *Registry) CreateKWS(entry EngineEntry) (kws.Engine, error) {
	r.mu.RLock()
	factory, ok := r.kws[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: kws/%q", ErrEngineNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateASR instantiates a speech-recognition engine using the factory registered under entry.Name.
func (r *Registry) CreateASR(entry EngineEntry) (asr.Engine, error) {
	r.mu.RLock()
	factory, ok := r.asr[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr/%q", ErrEngineNotRegistered, entry.Name)
	}
	return factory(entry)
}
