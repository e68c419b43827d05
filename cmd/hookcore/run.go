package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/0xffffa/hookbus/config"
	"github.com/0xffffa/hookbus/core"
	"github.com/0xffffa/hookbus/events"
	"github.com/0xffffa/hookbus/luabridge"
	"github.com/0xffffa/hookbus/metrics"
	"github.com/0xffffa/hookbus/sandbox"
)

type runOptions struct {
	configPath string
	ticks      int
	interval   time.Duration
	debug      []string
	scripts    []string
	watch      bool
	strict     bool
}

func newRunCmd() *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Hook the sandbox host and drive it for a number of ticks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runSession(ctx, o, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&o.configPath, "config", "hookbus.toml", "Configuration file (missing file uses defaults)")
	cmd.Flags().IntVar(&o.ticks, "ticks", 60, "Number of host ticks to drive")
	cmd.Flags().DurationVar(&o.interval, "interval", 0, "Delay between ticks")
	cmd.Flags().StringSliceVar(&o.debug, "debug", nil, "Enable the debug listener for these events")
	cmd.Flags().StringSliceVar(&o.scripts, "script", nil, "Lua script to load (repeatable)")
	cmd.Flags().BoolVar(&o.watch, "watch", false, "Reload log level and debug toggles when the config file changes")
	cmd.Flags().BoolVar(&o.strict, "strict", false, "Fail if any feature could not be enabled")
	return cmd
}

func runSession(ctx context.Context, o runOptions, stdout, stderr io.Writer) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	level.Set(cfg.SlogLevel())
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	host, err := sandbox.New()
	if err != nil {
		return fmt.Errorf("building sandbox host: %w", err)
	}
	m := metrics.New()
	rt, err := core.New(host.Sim, core.Options{Logger: log, Metrics: m, ModuleName: cfg.Module})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Teardown(); err != nil {
			log.Error("teardown failed", "err", err)
		}
	}()

	// Configured signatures are registered first so they take precedence
	// over the hub's defaults.
	if err := rt.Signatures.Register(cfg.Definitions()...); err != nil {
		return fmt.Errorf("registering signatures: %w", err)
	}
	hub, err := events.NewHub(rt)
	if err != nil {
		return err
	}

	for _, name := range hub.Names() {
		if cfg.FeatureEnabled(name) {
			// Failures are logged and recorded by the runtime.
			_ = hub.Enable(name)
		}
	}
	if o.strict {
		if err := rt.FailedFeatures(); err != nil {
			return err
		}
	}

	applyDebug(hub, log, cfg.Debug)
	for _, name := range o.debug {
		if err := hub.Debug(name, true); err != nil {
			return err
		}
	}

	bridge := luabridge.New(hub)
	defer bridge.Close()
	for _, path := range append(cfg.Scripts, o.scripts...) {
		if err := bridge.DoFile(path); err != nil {
			return fmt.Errorf("loading script %s: %w", path, err)
		}
		log.Info("script loaded", "path", path)
	}

	if cfg.MetricsAddr != "" {
		stop := serveMetrics(ctx, cfg.MetricsAddr, m, log)
		defer stop()
	}

	if o.watch {
		err := config.Watch(ctx, o.configPath, func(c *config.Config, err error) {
			if err != nil {
				log.Error("config reload failed", "err", err)
				return
			}
			level.Set(c.SlogLevel())
			applyDebug(hub, log, c.Debug)
			log.Info("config reloaded", "path", o.configPath)
		})
		if err != nil {
			return err
		}
	}

	if err := drive(ctx, host, o.ticks, o.interval); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	fmt.Fprintf(stdout, "ticks=%d frames=%d health=%g drawn=%d handled=%d\n",
		host.Ticks(), host.Frames(), host.Health(), host.Drawn(), host.Handled())
	for _, st := range rt.Status() {
		if st.Err != nil {
			fmt.Fprintf(stdout, "%-16s %s: %v\n", st.Name, st.State, st.Err)
			continue
		}
		fmt.Fprintf(stdout, "%-16s %s\n", st.Name, st.State)
	}
	return nil
}

func applyDebug(hub *events.Hub, log *slog.Logger, toggles map[string]bool) {
	for name, on := range toggles {
		if err := hub.Debug(name, on); err != nil {
			log.Warn("debug toggle ignored", "event", name, "err", err)
		}
	}
}

// drive runs every host routine once per tick. Damage is applied every tenth
// tick.
func drive(ctx context.Context, host *sandbox.Host, ticks int, interval time.Duration) error {
	for i := 0; i < ticks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := host.RunTick(1); err != nil {
			return err
		}
		if err := host.RunFrame(1.0 / 60); err != nil {
			return err
		}
		if err := host.UpdateCamera(float32(i), 0, 10); err != nil {
			return err
		}
		if err := host.RenderUI(uint32(i % 4)); err != nil {
			return err
		}
		if err := host.ReceiveMessage(uint32(i%3), []byte(fmt.Sprintf("tick %d", i))); err != nil {
			return err
		}
		if i%10 == 0 {
			if err := host.ApplyDamage(1, 2, 5); err != nil {
				return err
			}
		}

		if interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	return nil
}

// serveMetrics serves the session registry on /metrics until the returned
// stop function is called.
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, log *slog.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "err", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server shutdown failed", "err", err)
		}
	}
}
