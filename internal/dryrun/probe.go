package dryrun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"tensord/internal/model"
	"tensord/internal/shapes"
)

var probesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tensord",
		Subsystem: "dryrun",
		Name:      "probes_total",
		Help:      "Shape and device probes by result",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(probesTotal)
}

// Prober executes probes against a device. Production probes run behind an
// isolation boundary so a crashing model execution cannot take the engine
// down; only shapes and failures cross the boundary.
type Prober interface {
	// DeviceTest checks that a trivial model allocation works on the device.
	DeviceTest(ctx context.Context, device string) error
	// ProbeShape runs the model on a representative input tensor. Extents
	// are linearized per the configured input axis order; the returned
	// extents follow the output axis order.
	ProbeShape(ctx context.Context, device string, extents []int, train bool) ([]int, error)
}

// AdapterProber runs probes directly against a model adapter in-process. It
// backs the probe subcommand (where the OS process is the isolation
// boundary) and the engine tests.
type AdapterProber struct {
	Adapter         model.Adapter
	Criterion       model.Criterion
	InputAxisOrder  string
	OutputAxisOrder string
}

// DeviceTest implements Prober.
func (p AdapterProber) DeviceTest(ctx context.Context, device string) error {
	if dt, ok := p.Adapter.(model.DeviceTester); ok {
		return dt.DeviceTest(ctx, device)
	}
	ones := make([]int, len(p.InputAxisOrder))
	for i := range ones {
		ones[i] = 1
	}
	_, err := p.ProbeShape(ctx, device, ones, false)
	return err
}

// ProbeShape implements Prober.
func (p AdapterProber) ProbeShape(ctx context.Context, device string, extents []int, train bool) ([]int, error) {
	in, err := shapes.FromOrdered(p.InputAxisOrder, extents, false)
	if err != nil {
		return nil, err
	}
	var out shapes.Shape
	if train {
		out, err = p.Adapter.TrainStep(ctx, device, in, p.Criterion)
	} else {
		out, err = p.Adapter.Forward(ctx, device, in)
	}
	if err != nil {
		return nil, err
	}
	return out.Order(p.OutputAxisOrder)
}

// probeResult is the JSON document the probe subcommand emits on stdout.
type probeResult struct {
	Output []int  `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SubprocessProber executes each probe in a freshly spawned probe process.
type SubprocessProber struct {
	// Bin is the binary to exec; its probe subcommand is invoked.
	Bin        string
	ConfigPath string
	Model      string
	Log        zerolog.Logger
}

// DeviceTest implements Prober.
func (p *SubprocessProber) DeviceTest(ctx context.Context, device string) error {
	_, err := p.run(ctx, p.baseArgs(device, "--minimal"))
	return err
}

// ProbeShape implements Prober.
func (p *SubprocessProber) ProbeShape(ctx context.Context, device string, extents []int, train bool) ([]int, error) {
	parts := make([]string, len(extents))
	for i, e := range extents {
		parts[i] = strconv.Itoa(e)
	}
	args := p.baseArgs(device, "--shape", strings.Join(parts, ","))
	if train {
		args = append(args, "--train")
	}
	return p.run(ctx, args)
}

func (p *SubprocessProber) baseArgs(device string, extra ...string) []string {
	args := []string{"probe", "--config", p.ConfigPath, "--model", p.Model, "--device", device}
	return append(args, extra...)
}

func (p *SubprocessProber) run(ctx context.Context, args []string) ([]int, error) {
	p.Log.Debug().Str("bin", p.Bin).Strs("args", args).Msg("spawning probe process")
	cmd := exec.CommandContext(ctx, p.Bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	var res probeResult
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &res); err != nil {
		if runErr != nil {
			tail := stderr.String()
			if len(tail) > 4096 {
				tail = tail[len(tail)-4096:]
			}
			// A crash before any output is the crash-signal case: the probe
			// process died, the shape is treated as invalid.
			p.Log.Error().Err(runErr).Str("stderr_tail", tail).Msg("probe process crashed")
			return nil, fmt.Errorf("probe process failed: %v; stderr tail: %s", runErr, tail)
		}
		return nil, fmt.Errorf("probe output malformed: %w", err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("%s", res.Error)
	}
	return res.Output, nil
}
