package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidEngineNames lists known engine names per stage.
// Used by [Validate] to warn about unrecognised engine names.
var ValidEngineNames = map[string][]string{
	"vad": {"energy"},
	"kws": {"funasr"},
	"asr": {"funasr"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}
	for i, entry := range cfg.Server.IPAllowlist {
		if !validIPOrCIDR(entry) {
			errs = append(errs, fmt.Errorf("server.ip_allowlist[%d] %q is neither an IP nor a CIDR range", i, entry))
		}
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}

	// Session
	if cfg.Session.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("session.sample_rate %d must not be negative", cfg.Session.SampleRate))
	}
	if cfg.Session.FrameSamples < 0 {
		errs = append(errs, fmt.Errorf("session.frame_samples %d must not be negative", cfg.Session.FrameSamples))
	}
	if cfg.Session.BufferDepth < 0 {
		errs = append(errs, fmt.Errorf("session.buffer_depth %d must not be negative", cfg.Session.BufferDepth))
	}
	for _, d := range []struct {
		name string
		d    Duration
	}{
		{"session.wake_window", cfg.Session.WakeWindow},
		{"session.end_of_utterance", cfg.Session.EndOfUtterance},
		{"session.wake_grace", cfg.Session.WakeGrace},
	} {
		if d.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}

	// Engine name validation — warn for unknown engine names.
	validateEngineName("vad", cfg.Engines.VAD.Name)
	validateEngineName("kws", cfg.Engines.KWS.Name)
	validateEngineName("asr", cfg.Engines.ASR.Name)

	// KWS specifics
	if cfg.Engines.KWS.Name != "" && cfg.Engines.KWS.Keyword == "" {
		errs = append(errs, errors.New("engines.kws.keyword is required when a kws engine is configured"))
	}
	if t := cfg.Engines.KWS.Threshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("engines.kws.threshold %.2f is out of range [0, 1]", t))
	}

	// Transcript availability
	if cfg.Transcripts.PostgresDSN == "" {
		slog.Warn("transcripts.postgres_dsn is empty; final transcripts will not be persisted")
	}

	return errors.Join(errs...)
}

// validateEngineName logs a warning if name is non-empty and not found in
// the [ValidEngineNames] list for the given stage.
func validateEngineName(stage, name string) {
	if name == "" {
		return
	}
	known, ok := ValidEngineNames[stage]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown engine name — may be a typo or third-party engine",
		"stage", stage,
		"name", name,
		"known", known,
	)
}

// validIPOrCIDR reports whether s parses as a single IP or a CIDR range.
func validIPOrCIDR(s string) bool {
	if net.ParseIP(s) != nil {
		return true
	}
	_, _, err := net.ParseCIDR(s)
	return err == nil
}
