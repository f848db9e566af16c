package rpc

import "encoding/json"

// Operation names shared by controller and worker.
const (
	OpDryRun       = "dry_run"
	OpPredict      = "predict"
	OpUpdateConfig = "update_config"
	OpShutdown     = "shutdown"
)

// request is one JSON line from controller to worker.
type request struct {
	ID     uint64          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// response is one JSON line from worker to controller. Error and Result are
// mutually exclusive; an operation error travels as a string, never as a
// transport failure.
type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
