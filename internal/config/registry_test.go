package config

import (
	"errors"
	"testing"

	"github.com/voximind/earshot/pkg/engine/asr"
	asrmock "github.com/voximind/earshot/pkg/engine/asr/mock"
	"github.com/voximind/earshot/pkg/engine/kws"
	kwsmock "github.com/voximind/earshot/pkg/engine/kws/mock"
	"github.com/voximind/earshot/pkg/engine/vad"
	vadmock "github.com/voximind/earshot/pkg/engine/vad/mock"
)

func TestRegistryCreate(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.RegisterVAD("energy", func(EngineEntry) (vad.Engine, error) {
		return &vadmock.Engine{}, nil
	})
	r.RegisterKWS("funasr", func(entry EngineEntry) (kws.Engine, error) {
		if entry.Keyword == "" {
			return nil, errors.New("keyword required")
		}
		return &kwsmock.Engine{}, nil
	})
	r.RegisterASR("funasr", func(EngineEntry) (asr.Engine, error) {
		return &asrmock.Engine{}, nil
	})

	if _, err := r.CreateVAD(EngineEntry{Name: "energy"}); err != nil {
		t.Errorf("CreateVAD: %v", err)
	}
	if _, err := r.CreateKWS(EngineEntry{Name: "funasr", Keyword: "hey nova"}); err != nil {
		t.Errorf("CreateKWS: %v", err)
	}
	if _, err := r.CreateASR(EngineEntry{Name: "funasr"}); err != nil {
		t.Errorf("CreateASR: %v", err)
	}

	// Factory errors pass through.
	if _, err := r.CreateKWS(EngineEntry{Name: "funasr"}); err == nil {
		t.Error("CreateKWS ignored the factory error")
	}
}

func TestRegistryUnregisteredName(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if _, err := r.CreateVAD(EngineEntry{Name: "silero"}); !errors.Is(err, ErrEngineNotRegistered) {
		t.Errorf("CreateVAD: err = %v, want ErrEngineNotRegistered", err)
	}
	if _, err := r.CreateKWS(EngineEntry{Name: "porcupine"}); !errors.Is(err, ErrEngineNotRegistered) {
		t.Errorf("CreateKWS: err = %v, want ErrEngineNotRegistered", err)
	}
	if _, err := r.CreateASR(EngineEntry{Name: "whisper"}); !errors.Is(err, ErrEngineNotRegistered) {
		t.Errorf("CreateASR: err = %v, want ErrEngineNotRegistered", err)
	}
}

func TestRegistryOverwrite(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first := &vadmock.Engine{}
	second := &vadmock.Engine{}
	r.RegisterVAD("energy", func(EngineEntry) (vad.Engine, error) { return first, nil })
	r.RegisterVAD("energy", func(EngineEntry) (vad.Engine, error) { return second, nil })

	got, err := r.CreateVAD(EngineEntry{Name: "energy"})
	if err != nil {
		t.Fatalf("CreateVAD: %v", err)
	}
	if got != second {
		t.Error("later registration did not overwrite the earlier one")
	}
}
