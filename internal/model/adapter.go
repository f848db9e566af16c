package model

import (
	"context"

	"tensord/internal/shapes"
)

// Adapter abstracts model execution on one device. Implementations may run
// in-process or behind an isolation boundary; the contract is identical:
// given an input shape, return the output shape or a failure.
type Adapter interface {
	// Forward runs an inference pass for the given input shape.
	Forward(ctx context.Context, device string, input shapes.Shape) (shapes.Shape, error)
	// TrainStep runs a forward pass plus a backward pass through crit.
	TrainStep(ctx context.Context, device string, input shapes.Shape, crit Criterion) (shapes.Shape, error)
}

// DeviceTester is implemented by adapters that can check a device with a
// trivial allocation, independent of the served model's geometry.
type DeviceTester interface {
	DeviceTest(ctx context.Context, device string) error
}
