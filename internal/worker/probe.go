package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"tensord/internal/config"
	"tensord/internal/dryrun"
	"tensord/internal/model"
)

// ProbeSpec describes one isolated probe execution.
type ProbeSpec struct {
	Device string
	// Minimal runs the trivial device allocation test instead of a shape probe.
	Minimal bool
	// Extents of the input tensor, linearized per the input axis order.
	Extents []int
	Train   bool
}

// probeReport is the JSON document a probe process emits on stdout. The
// parent treats a missing or malformed report as a probe crash.
type probeReport struct {
	Output []int  `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RunProbe executes one probe against the reference adapter and writes the
// report to out. The returned error mirrors the report's error field so the
// process can exit nonzero on failed probes.
func RunProbe(ctx context.Context, conf config.Config, spec ProbeSpec, out io.Writer) error {
	adapter := model.NewReference(model.ReferenceConfig{
		Shrink:         conf.Model.Runtime.Shrink,
		OutputChannels: conf.Model.Runtime.OutputChannels,
		MaxSpatial:     conf.Model.Runtime.MaxSpatial,
	})
	crit, err := sessionCriterion(conf)
	if err != nil {
		return emitReport(out, nil, err)
	}
	prober := dryrun.AdapterProber{
		Adapter:         adapter,
		Criterion:       crit,
		InputAxisOrder:  conf.Model.InputAxisOrder,
		OutputAxisOrder: conf.Model.OutputAxisOrder,
	}

	if spec.Minimal {
		return emitReport(out, nil, prober.DeviceTest(ctx, spec.Device))
	}
	if len(spec.Extents) == 0 {
		return emitReport(out, nil, fmt.Errorf("probe needs --minimal or --shape"))
	}
	output, err := prober.ProbeShape(ctx, spec.Device, spec.Extents, spec.Train)
	return emitReport(out, output, err)
}

func emitReport(out io.Writer, output []int, probeErr error) error {
	rep := probeReport{Output: output}
	if probeErr != nil {
		rep.Error = probeErr.Error()
	}
	if err := json.NewEncoder(out).Encode(rep); err != nil {
		return err
	}
	return probeErr
}
