package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tensord/internal/devices"
	"tensord/internal/httpapi"
	"tensord/internal/logbuf"
	"tensord/internal/session"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConf(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				conf.Addr = addr
			}

			// Console output plus the in-memory ring behind GET /v1/logs.
			logs := logbuf.New(conf.LogBufferSize)
			console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
			log := zerolog.New(io.MultiWriter(console, logs)).
				Level(parseLevel(conf.LogLevel)).
				With().Timestamp().Logger()

			workerBin := conf.Worker.Binary
			if workerBin == "" {
				if workerBin, err = os.Executable(); err != nil {
					return err
				}
			}

			registry := devices.NewRegistry(log, conf.Devices...)
			mgr := session.NewManager(session.ManagerConfig{
				Registry:   registry,
				Conf:       conf,
				ConfigPath: configPath,
				WorkerBin:  workerBin,
				Logger:     log,
			})
			httpapi.RegisterStateGauges(
				func() float64 { return float64(mgr.Count()) },
				func() float64 { return float64(registry.InUseCount()) },
			)

			srv := &http.Server{Addr: conf.Addr, Handler: httpapi.NewMux(mgr, logs, log)}
			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", conf.Addr).Strs("devices", conf.Devices).Msg("tensord listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				mgr.Close()
				return err
			case sig := <-stop:
				log.Info().Str("signal", sig.String()).Msg("shutting down")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("http shutdown")
			}
			// Sessions close after the listener so no new work arrives during
			// worker teardown.
			mgr.Close()
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the daemon config (yaml, json or toml)")
	cmd.Flags().StringVar(&addr, "addr", "", "Override the configured HTTP listen address")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}
