// Package worker hosts one session's model inside its own process. The
// controller talks to it over the stdio RPC channel; shape negotiation runs
// on an engine whose probes are themselves isolated in probe processes, so a
// crashing model execution never takes the worker down, let alone the daemon.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"tensord/internal/config"
	"tensord/internal/dryrun"
	"tensord/internal/model"
	"tensord/internal/rpc"
	"tensord/pkg/types"
)

// Options configures a worker run.
type Options struct {
	Conf       config.Config
	ConfigPath string
	ModelRef   string
	// Devices leased to this session; the default device set for dry runs.
	Devices []string
	// ProbeBin is the binary exec'd for probes. Empty means the running
	// executable.
	ProbeBin string
	// Prober overrides probe execution; nil uses subprocess probes.
	Prober dryrun.Prober
	Logger zerolog.Logger
}

// Run serves the worker RPC loop on in/out until the controller requests
// shutdown or closes the channel.
func Run(ctx context.Context, opts Options, in io.Reader, out io.Writer) error {
	log := opts.Logger.With().Str("component", "worker").Str("model", opts.ModelRef).Logger()
	conf := opts.Conf

	crit, err := sessionCriterion(conf)
	if err != nil {
		return err
	}

	prober := opts.Prober
	if prober == nil {
		bin := opts.ProbeBin
		if bin == "" {
			if bin, err = os.Executable(); err != nil {
				return fmt.Errorf("resolve probe binary: %w", err)
			}
		}
		prober = &dryrun.SubprocessProber{
			Bin:        bin,
			ConfigPath: opts.ConfigPath,
			Model:      opts.ModelRef,
			Log:        log,
		}
	}

	engine, err := dryrun.New(dryrun.Config{
		BatchSize:       conf.Training.BatchSize,
		InputChannels:   conf.Model.InputChannels,
		InputAxisOrder:  conf.Model.InputAxisOrder,
		OutputAxisOrder: conf.Model.OutputAxisOrder,
		TrainingShape:   conf.Training.TrainingShape,
		LowerBound:      conf.Training.LowerBound,
		UpperBound:      conf.Training.UpperBound,
		Criterion:       crit,
		Discard:         conf.DryRun.Discard,
		CombinationWarn: conf.DryRun.CombinationWarn,
		PollInterval:    conf.PollInterval(),
	}, prober, log)
	if err != nil {
		return err
	}

	adapter := model.NewReference(model.ReferenceConfig{
		Shrink:         conf.Model.Runtime.Shrink,
		OutputChannels: conf.Model.Runtime.OutputChannels,
		MaxSpatial:     conf.Model.Runtime.MaxSpatial,
	})

	srv := rpc.NewServer(log)
	srv.Handle(rpc.OpDryRun, dryRunHandler(engine, opts.Devices))
	srv.Handle(rpc.OpPredict, predictHandler(adapter, opts.Devices))
	srv.Handle(rpc.OpUpdateConfig, updateConfigHandler(engine))
	srv.OnShutdown(func() {
		if err := engine.Shutdown(conf.ShutdownGrace()); err != nil {
			log.Warn().Err(err).Msg("dry run engine shutdown")
		}
	})

	log.Info().Strs("devices", opts.Devices).Msg("worker serving")
	return srv.Serve(ctx, in, out)
}

// dryRunHandler forwards negotiation to the engine and maps its record onto
// the wire type. The handler returns a future so the serve loop stays free
// while probes run.
func dryRunHandler(engine *dryrun.Engine, defaultDevices []string) rpc.Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var req types.DryRunRequest
		if len(params) > 0 {
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, fmt.Errorf("decode dry run request: %w", err)
			}
		}
		devices := req.Devices
		if len(devices) == 0 {
			devices = defaultDevices
		}
		inner := engine.DryRun(ctx, devices, req.TrainingShape, req.ValidShapes, req.Shrinkage)
		fut := rpc.NewFuture()
		go func() {
			v, err := inner.Wait(ctx)
			if err != nil {
				fut.Complete(nil, err)
				return
			}
			res := v.(*dryrun.Result)
			fut.Complete(types.NegotiatedShapes{
				Devices:       res.Devices,
				TrainingShape: res.TrainingShape,
				ValidShapes:   res.ValidShapes,
				Shrinkage:     res.Shrinkage,
			}, nil)
		}()
		return fut, nil
	}
}

// updateConfigHandler merges a partial configuration change into the engine.
// Criterion resolution fails the request before anything is enqueued, so a
// typo in the loss method cannot clear the negotiated record.
func updateConfigHandler(engine *dryrun.Engine) rpc.Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var req types.UpdateConfigRequest
		if len(params) > 0 {
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, fmt.Errorf("decode update config request: %w", err)
			}
		}
		upd, err := configUpdate(req)
		if err != nil {
			return nil, err
		}
		inner := engine.UpdateConfig(ctx, upd)
		fut := rpc.NewFuture()
		go func() {
			if _, err := inner.Wait(ctx); err != nil {
				fut.Complete(nil, err)
				return
			}
			fut.Complete(struct{}{}, nil)
		}()
		return fut, nil
	}
}

func configUpdate(req types.UpdateConfigRequest) (dryrun.ConfigUpdate, error) {
	var upd dryrun.ConfigUpdate
	if t := req.Training; t != nil {
		upd.BatchSize = t.BatchSize
		upd.TrainingShape = t.TrainingShape
		upd.LowerBound = t.LowerBound
		upd.UpperBound = t.UpperBound
		if t.LossCriterion != nil {
			kwargs := make(map[string]any, len(t.LossCriterion.Kwargs))
			for k, v := range t.LossCriterion.Kwargs {
				kwargs[k] = v
			}
			crit, err := model.ResolveCriterion(t.LossCriterion.Method, kwargs)
			if err != nil {
				return dryrun.ConfigUpdate{}, err
			}
			upd.Criterion = &crit
		}
	}
	if d := req.DryRun; d != nil {
		upd.Discard = d.Discard
	}
	return upd, nil
}

func predictHandler(adapter model.Adapter, devices []string) rpc.Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var req types.PredictRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("decode predict request: %w", err)
		}
		if len(devices) == 0 {
			return nil, fmt.Errorf("worker has no devices")
		}
		out, err := adapter.Forward(ctx, devices[0], req.Shape)
		if err != nil {
			return nil, err
		}
		return types.PredictResponse{Shape: out}, nil
	}
}

func sessionCriterion(conf config.Config) (model.Criterion, error) {
	spec := conf.Training.LossCriterion
	if spec.Method == "" {
		return model.Criterion{}, nil
	}
	return model.ResolveCriterion(spec.Method, spec.Kwargs)
}
