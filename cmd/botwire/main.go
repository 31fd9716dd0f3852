// botwire accepts phone agents on the android port and, with --hid, gives each one
// HID input through a locally launched desktop driver.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/botwire/internal/agent"
	"github.com/danmuck/botwire/internal/auth"
	"github.com/danmuck/botwire/internal/config"
	"github.com/danmuck/botwire/internal/hub"
	"github.com/danmuck/botwire/internal/observability"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "botwire: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if opts.writeConfig != "" {
		if err := config.WriteTemplate(opts.writeConfig, opts.force); err != nil {
			return err
		}
		fmt.Printf("wrote default config to %s\n", opts.writeConfig)
		return nil
	}
	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}

	logger := observability.InitLogger("botwire")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsErr := make(chan error, 1)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, cfg.MetricsToken, logger, metricsErr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	h := hub.New(cfg)
	defer h.Close()

	ln, err := h.RegisterAndroid(ctx, androidMain(logger, opts.activateHID))
	if err != nil {
		return err
	}
	logger.Info().Int("port", ln.Port()).Bool("hid", opts.activateHID).Msg("waiting for phones")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		return nil
	case err := <-metricsErr:
		return err
	}
}

func serveMetrics(addr, token string, logger zerolog.Logger, errs chan<- error) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metricsHandler(token, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	return srv
}

// metricsHandler serves prometheus metrics, behind a bearer token when one is set.
func metricsHandler(token string, logger zerolog.Logger) http.Handler {
	h := observability.Handler(logger)
	if token == "" {
		return h
	}
	return auth.Require(auth.StaticToken{Token: token}, h)
}

// androidMain logs each phone as it connects and optionally activates HID for it.
// It holds the phone until the connection ends.
func androidMain(logger zerolog.Logger, activateHID bool) func(context.Context, *agent.Android) {
	return func(ctx context.Context, a *agent.Android) {
		l := logger.With().Str("session", a.ID).Logger()
		id, err := a.DeviceID(ctx)
		if err != nil {
			l.Warn().Err(err).Msg("phone connected but device id failed")
			return
		}
		l = l.With().Str("device", id).Logger()
		l.Info().Msg("phone connected")

		if activateHID {
			ok, err := a.InitHid(ctx)
			switch {
			case err != nil:
				l.Warn().Err(err).Msg("hid activation failed")
			case !ok:
				l.Warn().Msg("phone not listed by hid driver")
			default:
				l.Info().Msg("hid active")
			}
		}

		<-ctx.Done()
		l.Info().Msg("phone disconnected")
	}
}
