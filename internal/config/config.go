package config

import (
	"fmt"
	"strings"
	"time"
)

// Defaults applied by ApplyDefaults when fields are unset.
const (
	DefaultAddr            = ":8080"
	DefaultBatchSize       = 1
	DefaultInputChannels   = 1
	DefaultInputAxisOrder  = "bcyx"
	DefaultOutputAxisOrder = "bcyx"
	DefaultCombinationWarn = 10000
	DefaultPollIntervalMS  = 1000
	DefaultShutdownGraceS  = 20
	DefaultLogBufferSize   = 512
)

// Config holds runtime parameters for the daemon. Zero values mean
// "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr     string   `json:"addr" yaml:"addr" toml:"addr"`
	Devices  []string `json:"devices" yaml:"devices" toml:"devices"`
	LogLevel string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	// LogBufferSize bounds the in-memory log ring served over the log stream.
	LogBufferSize int `json:"log_buffer_size" yaml:"log_buffer_size" toml:"log_buffer_size"`

	Model    Model    `json:"model" yaml:"model" toml:"model"`
	Training Training `json:"training" yaml:"training" toml:"training"`
	DryRun   DryRun   `json:"dry_run" yaml:"dry_run" toml:"dry_run"`
	Worker   Worker   `json:"worker" yaml:"worker" toml:"worker"`
}

// Model describes the served model's tensor layout and the reference runtime
// tuning used when the model reference names no external runtime.
type Model struct {
	InputChannels   int     `json:"input_channels" yaml:"input_channels" toml:"input_channels"`
	InputAxisOrder  string  `json:"input_axis_order" yaml:"input_axis_order" toml:"input_axis_order"`
	OutputAxisOrder string  `json:"output_axis_order" yaml:"output_axis_order" toml:"output_axis_order"`
	Runtime         Runtime `json:"runtime" yaml:"runtime" toml:"runtime"`
}

// Runtime tunes the built-in reference adapter.
type Runtime struct {
	Shrink         int            `json:"shrink" yaml:"shrink" toml:"shrink"`
	OutputChannels int            `json:"output_channels" yaml:"output_channels" toml:"output_channels"`
	MaxSpatial     map[string]int `json:"max_spatial" yaml:"max_spatial" toml:"max_spatial"`
}

// Training carries batch size, shape bounds and the loss criterion used by
// training-mode probes. TrainingShape pins an exact shape; when absent,
// UpperBound is mandatory and the dry run searches between the bounds.
// All shape fields are spatial extent lists (2, 3 or 4 entries).
type Training struct {
	BatchSize     int            `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	TrainingShape []int          `json:"training_shape" yaml:"training_shape" toml:"training_shape"`
	LowerBound    []int          `json:"training_shape_lower_bound" yaml:"training_shape_lower_bound" toml:"training_shape_lower_bound"`
	UpperBound    []int          `json:"training_shape_upper_bound" yaml:"training_shape_upper_bound" toml:"training_shape_upper_bound"`
	LossCriterion CriterionSpec  `json:"loss_criterion" yaml:"loss_criterion" toml:"loss_criterion"`
}

// CriterionSpec names a loss criterion plus keyword arguments.
type CriterionSpec struct {
	Method string         `json:"method" yaml:"method" toml:"method"`
	Kwargs map[string]any `json:"kwargs" yaml:"kwargs" toml:"kwargs"`
}

// DryRun tunes the shape negotiation. Discard and CombinationWarn are
// manually-tuned heuristics carried over as-is.
type DryRun struct {
	Discard         float64 `json:"discard" yaml:"discard" toml:"discard"`
	CombinationWarn int     `json:"combination_warn" yaml:"combination_warn" toml:"combination_warn"`
	PollIntervalMS  int     `json:"poll_interval_ms" yaml:"poll_interval_ms" toml:"poll_interval_ms"`
	RunOnCreate     bool    `json:"run_on_create" yaml:"run_on_create" toml:"run_on_create"`
}

// Worker configures the per-session worker processes.
type Worker struct {
	// Binary to exec for workers and probes; empty means the running binary.
	Binary string `json:"binary" yaml:"binary" toml:"binary"`
	// ShutdownGraceSeconds bounds the wait for graceful worker termination.
	ShutdownGraceSeconds int `json:"shutdown_grace_seconds" yaml:"shutdown_grace_seconds" toml:"shutdown_grace_seconds"`
}

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if len(c.Devices) == 0 {
		c.Devices = []string{"cpu"}
	}
	if c.Model.InputChannels <= 0 {
		c.Model.InputChannels = DefaultInputChannels
	}
	if c.Model.InputAxisOrder == "" {
		c.Model.InputAxisOrder = DefaultInputAxisOrder
	}
	if c.Model.OutputAxisOrder == "" {
		c.Model.OutputAxisOrder = DefaultOutputAxisOrder
	}
	if c.Training.BatchSize <= 0 {
		c.Training.BatchSize = DefaultBatchSize
	}
	if c.DryRun.CombinationWarn <= 0 {
		c.DryRun.CombinationWarn = DefaultCombinationWarn
	}
	if c.DryRun.PollIntervalMS <= 0 {
		c.DryRun.PollIntervalMS = DefaultPollIntervalMS
	}
	if c.Worker.ShutdownGraceSeconds <= 0 {
		c.Worker.ShutdownGraceSeconds = DefaultShutdownGraceS
	}
	if c.LogBufferSize <= 0 {
		c.LogBufferSize = DefaultLogBufferSize
	}
}

// Validate checks field consistency. Call after ApplyDefaults.
func (c *Config) Validate() error {
	for _, order := range []string{c.Model.InputAxisOrder, c.Model.OutputAxisOrder} {
		if err := validAxisOrder(order); err != nil {
			return err
		}
	}
	if c.DryRun.Discard < 0 || c.DryRun.Discard >= 1 {
		return fmt.Errorf("dry_run.discard must be in [0, 1), got %v", c.DryRun.Discard)
	}
	t := c.Training
	if len(t.TrainingShape) == 0 && len(t.UpperBound) == 0 {
		return fmt.Errorf("training config needs training_shape or training_shape_upper_bound")
	}
	for name, v := range map[string][]int{
		"training_shape":             t.TrainingShape,
		"training_shape_lower_bound": t.LowerBound,
		"training_shape_upper_bound": t.UpperBound,
	} {
		if len(v) == 0 {
			continue
		}
		if len(v) < 2 || len(v) > 4 {
			return fmt.Errorf("%s must have 2, 3 or 4 extents, got %d", name, len(v))
		}
		for _, e := range v {
			if e < 0 {
				return fmt.Errorf("%s has negative extent %d", name, e)
			}
		}
	}
	if len(t.LowerBound) > 0 && len(t.UpperBound) > 0 && len(t.LowerBound) != len(t.UpperBound) {
		return fmt.Errorf("training shape bounds have different dimensionality (%d vs %d)", len(t.LowerBound), len(t.UpperBound))
	}
	return nil
}

func validAxisOrder(order string) error {
	if order == "" {
		return fmt.Errorf("empty axis order")
	}
	const alphabet = "btczyx"
	seen := map[byte]bool{}
	for i := 0; i < len(order); i++ {
		if strings.IndexByte(alphabet, order[i]) < 0 {
			return fmt.Errorf("axis order %q contains unknown axis %q", order, string(order[i]))
		}
		if seen[order[i]] {
			return fmt.Errorf("axis order %q repeats axis %q", order, string(order[i]))
		}
		seen[order[i]] = true
	}
	return nil
}

// PollInterval returns the dry-run queue poll interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.DryRun.PollIntervalMS) * time.Millisecond
}

// ShutdownGrace returns the bounded worker shutdown grace period.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Worker.ShutdownGraceSeconds) * time.Second
}
