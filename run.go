package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/d1nch8g/livevoice/audio"
	"github.com/d1nch8g/livevoice/config"
	"github.com/d1nch8g/livevoice/engine"
	"github.com/d1nch8g/livevoice/metrics"
	"github.com/d1nch8g/livevoice/sound"
	"github.com/d1nch8g/livevoice/transport"
	"github.com/d1nch8g/livevoice/transport/gemini"
	"github.com/d1nch8g/livevoice/transport/yandex"
	"github.com/d1nch8g/livevoice/ui"
)

var personaFile string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the agent and start the interactive session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if personaFile != "" {
			os.Setenv("PERSONA_FILE", personaFile)
		}
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

func init() {
	runCmd.Flags().StringVarP(&personaFile, "persona", "p", "", "YAML persona file (overrides PERSONA_FILE)")
}

func run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	mic := audio.NewPortaudioMicrophone(audio.Config{
		SampleRate:      float64(cfg.InputSampleRate),
		FramesPerBuffer: cfg.FramesPerBuffer,
	})
	if err := mic.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer mic.Terminate()

	outCfg := sound.GetDefaultConfig()
	outCfg.SampleRate = float64(cfg.OutputSampleRate)
	out := sound.NewPortaudioOutput(outCfg)
	if err := out.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer out.Terminate()
	if err := out.Open(); err != nil {
		return fmt.Errorf("failed to open output stream: %w", err)
	}
	defer out.Close()

	engCfg := engine.Config{
		Session:          cfg.SessionConfig(),
		InputSampleRate:  cfg.InputSampleRate,
		OutputSampleRate: cfg.OutputSampleRate,
	}
	var tr transport.Transport
	if err := cfg.Validate(); err != nil {
		engCfg.ConfigErr = err
	} else {
		t, closeTransport, err := newTransport(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeTransport()
		tr = t
	}

	eng := engine.NewEngine(engCfg, tr, out, mic, m)
	term := ui.NewTerminal(os.Stdin, os.Stdout, eng)
	eng.OnChange(term.Render)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("engine stopped", "err", err)
		}
	}()

	err := term.Run(ctx)
	cancel()
	<-done
	return err
}

func newTransport(ctx context.Context, cfg *config.Config) (transport.Transport, func(), error) {
	switch cfg.Transport {
	case config.TransportYandex:
		t, err := yandex.New(yandex.Config{
			IAMToken: cfg.IAMToken,
			APIKey:   cfg.APIKey,
			FolderID: cfg.FolderID,
			Language: cfg.Language,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create yandex transport: %w", err)
		}
		return t, func() {
			if err := t.Close(); err != nil {
				slog.Warn("failed to close transport", "err", err)
			}
		}, nil
	default:
		t, err := gemini.New(ctx, cfg.APIKey)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gemini transport: %w", err)
		}
		return t, func() {}, nil
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "err", err)
		}
	}()
	return srv
}
