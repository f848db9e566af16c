package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tensord/internal/worker"
)

// workerCmd is the per-session worker entrypoint. The controller spawns it
// with its RPC channel on stdin/stdout; stderr carries JSON logs that the
// controller tees into its own logger.
func workerCmd() *cobra.Command {
	var (
		configPath string
		modelRef   string
		devicesCSV string
	)
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a session worker process (internal)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConf(configPath)
			if err != nil {
				return err
			}
			log := zerolog.New(os.Stderr).
				Level(parseLevel(conf.LogLevel)).
				With().Timestamp().Logger()
			return worker.Run(cmd.Context(), worker.Options{
				Conf:       conf,
				ConfigPath: configPath,
				ModelRef:   modelRef,
				Devices:    splitCSV(devicesCSV),
				Logger:     log,
			}, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the daemon config")
	cmd.Flags().StringVar(&modelRef, "model", "", "Model reference for this session")
	cmd.Flags().StringVar(&devicesCSV, "devices", "", "Comma-separated device ids leased to this session")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

// probeCmd runs one isolated probe and reports JSON on stdout. A crash here
// is contained: the parent treats a dead probe as an invalid shape.
func probeCmd() *cobra.Command {
	var (
		configPath string
		modelRef   string
		device     string
		minimal    bool
		shapeCSV   string
		train      bool
	)
	cmd := &cobra.Command{
		Use:    "probe",
		Short:  "Run one isolated device or shape probe (internal)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConf(configPath)
			if err != nil {
				return err
			}
			extents, err := parseExtents(shapeCSV)
			if err != nil {
				return err
			}
			_ = modelRef // opaque; the reference adapter is config-driven
			return worker.RunProbe(cmd.Context(), conf, worker.ProbeSpec{
				Device:  device,
				Minimal: minimal,
				Extents: extents,
				Train:   train,
			}, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the daemon config")
	cmd.Flags().StringVar(&modelRef, "model", "", "Model reference")
	cmd.Flags().StringVar(&device, "device", "", "Device id to probe")
	cmd.Flags().BoolVar(&minimal, "minimal", false, "Run the minimal device test instead of a shape probe")
	cmd.Flags().StringVar(&shapeCSV, "shape", "", "Comma-separated input extents in input axis order")
	cmd.Flags().BoolVar(&train, "train", false, "Probe in training mode")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func parseExtents(csv string) ([]int, error) {
	parts := splitCSV(csv)
	if len(parts) == 0 {
		return nil, nil
	}
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid extent %q: %w", p, err)
		}
		out[i] = n
	}
	return out, nil
}
