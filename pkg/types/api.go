// Package types holds the wire-facing request/response payloads shared by
// the HTTP layer, the session manager and the worker RPC protocol.
package types

import "tensord/internal/shapes"

// CreateSessionRequest asks for a new model session over a set of devices.
type CreateSessionRequest struct {
	// Model reference (opaque to the core; resolved by the worker).
	Model string `json:"model"`
	// Devices to lease exclusively for this session.
	Devices []string `json:"devices"`
}

// SessionResponse describes a live session.
type SessionResponse struct {
	ID      string   `json:"id"`
	Devices []string `json:"devices"`
}

// DeviceInfo is one entry of the device listing.
type DeviceInfo struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// DevicesResponse wraps GET /v1/devices.
type DevicesResponse struct {
	Devices []DeviceInfo `json:"devices"`
}

// PredictRequest carries a prediction input. The session id travels in the
// body so a missing id is distinguishable from an unknown one. The core only
// inspects the shape; Data is passed through opaquely.
type PredictRequest struct {
	ModelSessionID string       `json:"model_session_id"`
	Shape          shapes.Shape `json:"shape"`
	Data           []float64    `json:"data,omitempty"`
}

// PredictResponse returns the output tensor shape.
type PredictResponse struct {
	Shape shapes.Shape `json:"shape"`
}

// DryRunRequest triggers or parameterizes shape negotiation for a session.
// All fields are optional; supplied values must be consistent with anything
// negotiated earlier.
type DryRunRequest struct {
	Devices       []string       `json:"devices,omitempty"`
	TrainingShape *shapes.Shape  `json:"training_shape,omitempty"`
	ValidShapes   []shapes.Shape `json:"valid_shapes,omitempty"`
	Shrinkage     *shapes.Shape  `json:"shrinkage,omitempty"`
}

// UpdateConfigRequest is a partial session reconfiguration. Absent fields
// keep their current value; the worker clears its negotiated shape record on
// success so the next dry run re-negotiates under the new settings.
type UpdateConfigRequest struct {
	Training *TrainingUpdate `json:"training,omitempty"`
	DryRun   *DryRunUpdate   `json:"dry_run,omitempty"`
}

// TrainingUpdate changes training parameters of a live session. An explicit
// empty list clears a shape field (e.g. unpinning the training shape).
type TrainingUpdate struct {
	BatchSize     *int             `json:"batch_size,omitempty"`
	TrainingShape *[]int           `json:"training_shape,omitempty"`
	LowerBound    *[]int           `json:"training_shape_lower_bound,omitempty"`
	UpperBound    *[]int           `json:"training_shape_upper_bound,omitempty"`
	LossCriterion *CriterionUpdate `json:"loss_criterion_config,omitempty"`
}

// CriterionUpdate selects a loss criterion by method name.
type CriterionUpdate struct {
	Method string             `json:"method"`
	Kwargs map[string]float64 `json:"kwargs,omitempty"`
}

// DryRunUpdate changes dry-run search parameters.
type DryRunUpdate struct {
	Discard *float64 `json:"skip_shape_discard,omitempty"`
}

// NegotiatedShapes is the dry-run result record.
type NegotiatedShapes struct {
	Devices       []string       `json:"devices"`
	TrainingShape shapes.Shape   `json:"training_shape"`
	ValidShapes   []shapes.Shape `json:"valid_shapes"`
	Shrinkage     shapes.Shape   `json:"shrinkage"`
}

// LogEntry is one record of the log stream.
type LogEntry struct {
	Level   string `json:"level"`
	Content string `json:"content"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
