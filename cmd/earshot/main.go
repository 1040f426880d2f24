// Command earshot is the main entry point for the Earshot voice session server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voximind/earshot/internal/config"
	"github.com/voximind/earshot/internal/health"
	"github.com/voximind/earshot/internal/observe"
	"github.com/voximind/earshot/internal/resilience"
	"github.com/voximind/earshot/internal/server"
	"github.com/voximind/earshot/internal/session"
	"github.com/voximind/earshot/internal/transcript/postgres"
	"github.com/voximind/earshot/pkg/engine/asr"
	asrfunasr "github.com/voximind/earshot/pkg/engine/asr/funasr"
	"github.com/voximind/earshot/pkg/engine/kws"
	kwsfunasr "github.com/voximind/earshot/pkg/engine/kws/funasr"
	"github.com/voximind/earshot/pkg/engine/vad"
	"github.com/voximind/earshot/pkg/engine/vad/energy"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "earshot: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("earshot starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "earshot",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Engine registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinEngines(reg)

	engines, err := buildEngines(cfg, reg)
	if err != nil {
		slog.Error("failed to build engines", "err", err)
		return 1
	}

	// ── Transcript store (optional) ───────────────────────────────────────────
	var serverOpts []server.Option
	if dsn := cfg.Transcripts.PostgresDSN; dsn != "" {
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect transcript store", "err", err)
			return 1
		}
		defer store.Close()
		serverOpts = append(serverOpts,
			server.WithTranscriptStore(store),
			server.WithCheckers(health.Ping("transcripts", store)),
		)
		slog.Info("transcript persistence enabled")
	}

	srv := server.New(cfg, engines, serverOpts...)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.SessionChanged || d.KWSThresholdChanged {
			srv.ApplyConfig(new)
			slog.Info("session tuning updated, applies to new sessions")
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// version is stamped at build time via -ldflags.
var version = "dev"

// registerBuiltinEngines wires the engine implementations shipped with the
// binary into the registry.
func registerBuiltinEngines(reg *config.Registry) {
	reg.RegisterVAD("energy", func(_ config.EngineEntry) (vad.Engine, error) {
		return energy.New(), nil
	})
	reg.RegisterKWS("funasr", func(entry config.EngineEntry) (kws.Engine, error) {
		if entry.URL == "" {
			return nil, errors.New("funasr kws engine requires a url")
		}
		var opts []kwsfunasr.Option
		if entry.Threshold > 0 {
			opts = append(opts, kwsfunasr.WithThreshold(entry.Threshold))
		}
		return resilience.NewKWSEngine(kwsfunasr.New(entry.URL, opts...),
			resilience.CircuitBreakerConfig{Name: "kws"}), nil
	})
	reg.RegisterASR("funasr", func(entry config.EngineEntry) (asr.Engine, error) {
		if entry.URL == "" {
			return nil, errors.New("funasr asr engine requires a url")
		}
		var opts []asrfunasr.Option
		if mode := optString(entry.Options, "mode"); mode != "" {
			opts = append(opts, asrfunasr.WithMode(mode))
		}
		return resilience.NewASREngine(asrfunasr.New(entry.URL, opts...),
			resilience.CircuitBreakerConfig{Name: "asr"}), nil
	})
}

// buildEngines instantiates the configured engine for each pipeline stage.
func buildEngines(cfg *config.Config, reg *config.Registry) (session.Engines, error) {
	var engines session.Engines
	var err error

	if engines.VAD, err = reg.CreateVAD(cfg.Engines.VAD); err != nil {
		return session.Engines{}, fmt.Errorf("vad: %w", err)
	}
	slog.Info("engine created", "stage", "vad", "name", cfg.Engines.VAD.Name)

	if engines.KWS, err = reg.CreateKWS(cfg.Engines.KWS); err != nil {
		return session.Engines{}, fmt.Errorf("kws: %w", err)
	}
	slog.Info("engine created", "stage", "kws", "name", cfg.Engines.KWS.Name, "keyword", cfg.Engines.KWS.Keyword)

	if engines.ASR, err = reg.CreateASR(cfg.Engines.ASR); err != nil {
		return session.Engines{}, fmt.Errorf("asr: %w", err)
	}
	slog.Info("engine created", "stage", "asr", "name", cfg.Engines.ASR.Name)

	return engines, nil
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string from an engine Options map. Returns "" if the
// map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
