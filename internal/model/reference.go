package model

import (
	"context"
	"fmt"

	"tensord/internal/shapes"
)

// ReferenceConfig tunes the built-in reference adapter, a deterministic
// stand-in for an external model runtime. It behaves like a purely
// convolutional network: constant per-axis shrinkage independent of input
// size, and per-device capacity limits that make oversized shapes fail the
// way a real device would.
type ReferenceConfig struct {
	// Shrink is the spatial extent lost per axis (input minus output),
	// applied to every spatial axis (t, z, y, x).
	Shrink int
	// OutputChannels of the forward pass. Zero keeps the input channels.
	OutputChannels int
	// MaxSpatial caps the largest spatial extent per device. Missing
	// device means unlimited; a negative cap marks the device unusable
	// (every probe fails, including the minimal device test).
	MaxSpatial map[string]int
}

// Reference implements Adapter without any tensor math.
type Reference struct {
	cfg ReferenceConfig
}

// NewReference builds the reference adapter.
func NewReference(cfg ReferenceConfig) *Reference {
	if cfg.Shrink < 0 {
		cfg.Shrink = 0
	}
	return &Reference{cfg: cfg}
}

func isSpatial(label byte) bool {
	switch label {
	case 't', 'z', 'y', 'x':
		return true
	}
	return false
}

// Forward implements Adapter.
func (r *Reference) Forward(ctx context.Context, device string, input shapes.Shape) (shapes.Shape, error) {
	if err := ctx.Err(); err != nil {
		return shapes.Shape{}, err
	}
	if cap, ok := r.cfg.MaxSpatial[device]; ok && cap < 0 {
		return shapes.Shape{}, fmt.Errorf("device %s is unusable", device)
	}
	axes := input.Axes()
	out := make([]shapes.Axis, 0, len(axes))
	for _, a := range axes {
		ext := a.Extent
		if ext <= 0 {
			return shapes.Shape{}, fmt.Errorf("axis %s has non-positive extent %d", string(a.Label), ext)
		}
		if isSpatial(a.Label) {
			if cap, ok := r.cfg.MaxSpatial[device]; ok && ext > cap {
				return shapes.Shape{}, fmt.Errorf("shape %s exceeds device %s capacity (%s=%d > %d)", input, device, string(a.Label), ext, cap)
			}
			ext -= r.cfg.Shrink
			if ext <= 0 {
				return shapes.Shape{}, fmt.Errorf("shape %s collapses on axis %s after shrinkage %d", input, string(a.Label), r.cfg.Shrink)
			}
		}
		if a.Label == 'c' && r.cfg.OutputChannels > 0 {
			ext = r.cfg.OutputChannels
		}
		out = append(out, shapes.Axis{Label: a.Label, Extent: ext})
	}
	return shapes.New(out...)
}

// DeviceTest implements DeviceTester: a toy single-voxel allocation that
// only fails on an unusable device.
func (r *Reference) DeviceTest(ctx context.Context, device string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cap, ok := r.cfg.MaxSpatial[device]; ok && cap < 0 {
		return fmt.Errorf("device %s is unusable", device)
	}
	return nil
}

// TrainStep implements Adapter. The backward pass adds no shape effects; it
// exists so training-mode probes exercise the criterion path.
func (r *Reference) TrainStep(ctx context.Context, device string, input shapes.Shape, crit Criterion) (shapes.Shape, error) {
	if crit.Name == "" {
		return shapes.Shape{}, fmt.Errorf("train step requires a loss criterion")
	}
	if _, err := ResolveCriterion(crit.Name, crit.Kwargs); err != nil {
		return shapes.Shape{}, err
	}
	return r.Forward(ctx, device, input)
}
