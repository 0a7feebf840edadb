// SPDX-License-Identifier: MIT

// hwbridged runs one hardware encoder session and exposes health and metrics
// probes. Without a vendor driver it can run a soak loop against the
// synthetic driver, which exercises the full submit/receive pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quartzvideo/hwbridge/internal/config"
	"github.com/quartzvideo/hwbridge/internal/driver"
	"github.com/quartzvideo/hwbridge/internal/encoder"
	"github.com/quartzvideo/hwbridge/internal/health"
	hblog "github.com/quartzvideo/hwbridge/internal/log"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// The logger must exist before config loading (which logs its sources),
	// so the level comes from the environment here.
	hblog.Configure(hblog.Config{
		Level:   os.Getenv("HWBRIDGE_LOG_LEVEL"),
		Service: "hwbridge",
		Version: version,
	})
	logger := hblog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	drv, err := openDriver(cfg)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "driver.unavailable").
			Str("driver_path", cfg.DriverPath).
			Msg("codec driver not available")
	}

	settings, err := cfg.Settings()
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.invalid").Msg("invalid encoder settings")
	}
	geometry, err := cfg.Geometry()
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.invalid").Msg("invalid video geometry")
	}

	sess, err := encoder.New(drv, encoder.Config{
		Geometry: geometry,
		Settings: settings,
		Logger:   hblog.WithComponent("encoder"),
	})
	if err != nil {
		logger.Fatal().Err(err).Str("event", "encoder.create_failed").Msg("failed to create encoder session")
	}

	manager := health.NewManager(version)
	manager.RegisterChecker(health.NewSessionChecker("encoder_session", sess.Diagnostics))

	router := chi.NewRouter()
	router.Get("/healthz", manager.ServeHealth)
	router.Get("/readyz", manager.ServeReady)
	router.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("event", "http.listening").Str("addr", cfg.Listen).Msg("probe server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return soakLoop(gctx, sess, geometry, logger)
	})

	err = g.Wait()
	if closeErr := sess.Close(); closeErr != nil {
		logger.Warn().Err(closeErr).Str("event", "encoder.close_failed").Msg("session close failed")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Str("event", "daemon.exit_error").Msg("daemon exited with error")
		os.Exit(1)
	}
	logger.Info().Str("event", "daemon.exit").Msg("daemon stopped")
}

// openDriver loads the vendor library, or the synthetic driver when
// configured (or as fallback when no vendor library is present).
func openDriver(cfg config.Config) (*driver.Driver, error) {
	if cfg.FakeDriver {
		fake := driver.NewFake(driver.FakeConfig{KeyframeInterval: cfg.KeyintSec * cfg.FPSNum / cfg.FPSDen})
		return fake.Driver(), nil
	}
	return driver.Load(cfg.DriverPath)
}

// soakLoop feeds synthetic frames at the configured frame rate and drains
// packets, acting as the host framework during soak runs. It flushes and
// stops when the context is cancelled.
func soakLoop(ctx context.Context, sess *encoder.Session, geo encoder.Geometry, logger zerolog.Logger) error {
	luma := make([]byte, geo.Width*geo.Height)
	chroma := make([]byte, geo.Width/2*geo.Height/2)
	frame := encoder.RawFrame{
		Planes:  [][]byte{luma, chroma, chroma},
		Strides: []int{geo.Width, geo.Width / 2, geo.Width / 2},
	}

	interval := time.Duration(float64(time.Second) / geo.FPS())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pts int64
	var packets uint64
	for {
		select {
		case <-ctx.Done():
			// Drain remaining packets; the first nil-frame call starts the
			// end-of-stream handshake.
			for {
				pkt, err := sess.Encode(nil)
				if err != nil || pkt == nil {
					break
				}
				packets++
			}
			logger.Info().
				Str("event", "soak.finished").
				Int64("frames", pts).
				Uint64("packets", packets).
				Msg("soak loop finished")
			return ctx.Err()
		case <-ticker.C:
			frame.PTS = pts
			pts++
			pkt, err := sess.Encode(&frame)
			if err != nil {
				return fmt.Errorf("encode: %w", err)
			}
			if pkt != nil {
				packets++
			}
		}
	}
}
