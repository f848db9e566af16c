// Package dryrun implements shape negotiation: before a session starts
// serving, the engine discovers a workable training shape, a set of valid
// inference shapes and the model's shrinkage by probing candidate shapes on
// the session's devices through isolated probe executions.
//
// The engine is the long-lived worker behind one session's RPC channel.
// Probe requests are serialized through a single FIFO queue with one
// consumer goroutine, so at most one probe sequence runs at a time even when
// callers submit concurrently.
package dryrun

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"tensord/internal/model"
	"tensord/internal/rpc"
	"tensord/internal/shapes"
)

// Config carries everything the engine needs from the session config.
// Shape bounds are spatial extent lists, as in the daemon configuration.
type Config struct {
	BatchSize       int
	InputChannels   int
	InputAxisOrder  string
	OutputAxisOrder string
	// TrainingShape pins an exact training shape when non-empty.
	TrainingShape []int
	LowerBound    []int
	UpperBound    []int
	Criterion     model.Criterion
	// Discard is the slack fraction dropped per rejected probe in the
	// greedy search. CombinationWarn triggers a diagnostic when the
	// combinatorial search space exceeds it. Both are tuned heuristics.
	Discard         float64
	CombinationWarn int
	// PollInterval bounds how long the worker loop sleeps on an empty queue.
	PollInterval time.Duration
}

// Result is the negotiated shape record: set at most once per engine,
// reproduced verbatim by later dry runs unless a conflicting input fails
// the negotiation.
type Result struct {
	Devices       []string
	TrainingShape shapes.Shape
	ValidShapes   []shapes.Shape
	Shrinkage     shapes.Shape
}

type job struct {
	ctx           context.Context
	devices       []string
	trainingShape *shapes.Shape
	validShapes   []shapes.Shape
	shrinkage     *shapes.Shape
	// update, when set, makes this a reconfiguration job instead of a
	// negotiation.
	update *ConfigUpdate
	fut    *rpc.Future
}

// ConfigUpdate is a partial engine reconfiguration. Nil fields keep the
// current value; a pointer to an empty slice clears a shape field (e.g.
// unpinning the training shape).
type ConfigUpdate struct {
	BatchSize     *int
	TrainingShape *[]int
	LowerBound    *[]int
	UpperBound    *[]int
	Criterion     *model.Criterion
	Discard       *float64
}

// Engine serializes dry-run jobs through one worker loop and owns the
// negotiated state. All state mutation happens on the loop goroutine.
type Engine struct {
	cfg    Config
	prober Prober
	log    zerolog.Logger

	mu   sync.Mutex
	jobs *queue.Queue

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	trainingShape *shapes.Shape
	validShapes   []shapes.Shape
	shrinkage     *shapes.Shape
}

// New validates cfg, starts the worker loop and returns the engine.
func New(cfg Config, prober Prober, log zerolog.Logger) (*Engine, error) {
	if cfg.Discard < 0 || cfg.Discard >= 1 {
		return nil, errInvalidArgument(fmt.Sprintf("discard must be in [0, 1), got %v", cfg.Discard))
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.InputChannels <= 0 {
		cfg.InputChannels = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.CombinationWarn <= 0 {
		cfg.CombinationWarn = 10000
	}
	e := &Engine{
		cfg:    cfg,
		prober: prober,
		log:    log.With().Str("component", "dryrun").Logger(),
		jobs:   queue.New(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go e.loop()
	return e, nil
}

// DryRun enqueues a negotiation job and returns its future immediately.
// Jobs run strictly in submission order.
func (e *Engine) DryRun(ctx context.Context, devices []string, trainingShape *shapes.Shape, validShapes []shapes.Shape, shrinkage *shapes.Shape) *rpc.Future {
	fut := rpc.NewFuture()
	j := &job{
		ctx:           ctx,
		devices:       devices,
		trainingShape: trainingShape,
		validShapes:   validShapes,
		shrinkage:     shrinkage,
		fut:           fut,
	}
	select {
	case <-e.stop:
		fut.Complete(nil, fmt.Errorf("dry run engine is shut down"))
		return fut
	default:
	}
	e.mu.Lock()
	e.jobs.Add(j)
	e.mu.Unlock()
	return fut
}

// UpdateConfig merges a partial configuration change into the engine and
// clears the negotiated record, so the next dry run re-negotiates under the
// new settings. The update runs on the worker loop, serialized with dry-run
// jobs; a rejected update leaves the current configuration untouched.
func (e *Engine) UpdateConfig(ctx context.Context, upd ConfigUpdate) *rpc.Future {
	fut := rpc.NewFuture()
	j := &job{ctx: ctx, update: &upd, fut: fut}
	select {
	case <-e.stop:
		fut.Complete(nil, fmt.Errorf("dry run engine is shut down"))
		return fut
	default:
	}
	e.mu.Lock()
	e.jobs.Add(j)
	e.mu.Unlock()
	return fut
}

// Shutdown stops the worker loop, letting an in-flight job finish, and waits
// up to grace for it to exit. An exceeded grace period is returned for the
// caller to log; it is not an escalation.
func (e *Engine) Shutdown(grace time.Duration) error {
	e.stopOnce.Do(func() { close(e.stop) })
	if grace <= 0 {
		grace = 20 * time.Second
	}
	select {
	case <-e.done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("dry run worker did not stop within %s", grace)
	}
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		var j *job
		e.mu.Lock()
		if e.jobs.Length() > 0 {
			j = e.jobs.Remove().(*job)
		}
		e.mu.Unlock()
		if j == nil {
			select {
			case <-e.stop:
				return
			case <-time.After(e.cfg.PollInterval):
			}
			continue
		}
		e.run(j)
	}
}

// run executes one job, containing any failure to that job's future. The
// engine itself never dies with a job.
func (e *Engine) run(j *job) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("dry run panicked")
			j.fut.Complete(nil, fmt.Errorf("dry run panicked: %v", r))
		}
	}()
	if j.update != nil {
		if err := e.applyUpdate(*j.update); err != nil {
			e.log.Error().Err(err).Msg("config update rejected")
			j.fut.Complete(nil, err)
			return
		}
		j.fut.Complete(nil, nil)
		return
	}
	e.log.Info().Strs("devices", j.devices).Msg("starting dry run")
	res, err := e.dryRun(j)
	if err != nil {
		e.log.Error().Err(err).Msg("dry run failed")
		j.fut.Complete(nil, err)
		return
	}
	e.log.Info().Stringer("training_shape", res.TrainingShape).Stringer("shrinkage", res.Shrinkage).Msg("dry run done")
	j.fut.Complete(res, nil)
}

// applyUpdate validates the merged configuration before committing it, then
// drops the negotiated record: bounds or criterion changed, so the record no
// longer describes anything tested. Runs on the loop goroutine, which owns
// the negotiated state.
func (e *Engine) applyUpdate(upd ConfigUpdate) error {
	cfg := e.cfg
	if upd.BatchSize != nil {
		if *upd.BatchSize <= 0 {
			return errInvalidArgument(fmt.Sprintf("batch size must be positive, got %d", *upd.BatchSize))
		}
		cfg.BatchSize = *upd.BatchSize
	}
	if upd.Discard != nil {
		if *upd.Discard < 0 || *upd.Discard >= 1 {
			return errInvalidArgument(fmt.Sprintf("discard must be in [0, 1), got %v", *upd.Discard))
		}
		cfg.Discard = *upd.Discard
	}
	if upd.TrainingShape != nil {
		cfg.TrainingShape = append([]int(nil), (*upd.TrainingShape)...)
	}
	if upd.LowerBound != nil {
		cfg.LowerBound = append([]int(nil), (*upd.LowerBound)...)
	}
	if upd.UpperBound != nil {
		cfg.UpperBound = append([]int(nil), (*upd.UpperBound)...)
	}
	if upd.Criterion != nil {
		cfg.Criterion = *upd.Criterion
	}
	if len(cfg.TrainingShape) == 0 && len(cfg.UpperBound) == 0 {
		return errInvalidArgument("config is missing training_shape and/or training_shape_upper_bound")
	}
	e.cfg = cfg
	e.trainingShape = nil
	e.validShapes = nil
	e.shrinkage = nil
	e.log.Info().Msg("configuration updated, negotiated record cleared")
	return nil
}

func (e *Engine) dryRun(j *job) (*Result, error) {
	if len(j.devices) == 0 {
		return nil, errInvalidArgument("dry run on empty device list")
	}

	if e.shrinkage == nil {
		e.shrinkage = j.shrinkage
	} else if j.shrinkage != nil && !j.shrinkage.Equal(*e.shrinkage) {
		return nil, errIncompatible(fmt.Sprintf("given shrinkage %s incompatible with negotiated shrinkage %s", j.shrinkage, e.shrinkage))
	}

	working := e.minimalDeviceTest(j.ctx, j.devices)
	if len(working) == 0 {
		return nil, fmt.Errorf("minimal device test failed for all devices %v", j.devices)
	}

	if e.trainingShape == nil {
		ts, err := e.determineTrainingShape(j.ctx, working, j.trainingShape)
		if err != nil {
			return nil, err
		}
		e.trainingShape = &ts
	} else if j.trainingShape != nil && !j.trainingShape.Equal(*e.trainingShape) {
		return nil, errIncompatible(fmt.Sprintf("given training shape %s incompatible with negotiated training shape %s", j.trainingShape, e.trainingShape))
	}

	if err := e.determineValidShapes(j.ctx, working, j.validShapes); err != nil {
		return nil, err
	}
	if e.shrinkage == nil {
		return nil, fmt.Errorf("dry run could not determine shrinkage")
	}
	return &Result{
		Devices:       working,
		TrainingShape: *e.trainingShape,
		ValidShapes:   e.validShapes,
		Shrinkage:     *e.shrinkage,
	}, nil
}

// minimalDeviceTest probes each device with a trivial allocation in
// isolation. Failing devices are logged and excluded from subsequent
// validity claims; they do not abort the negotiation.
func (e *Engine) minimalDeviceTest(ctx context.Context, devices []string) []string {
	working := make([]string, 0, len(devices))
	for _, d := range devices {
		if err := e.prober.DeviceTest(ctx, d); err != nil {
			probesTotal.WithLabelValues("device_failed").Inc()
			e.log.Error().Str("device", d).Err(err).Msg("minimal device test failed")
			continue
		}
		probesTotal.WithLabelValues("device_ok").Inc()
		working = append(working, d)
	}
	return working
}

func (e *Engine) boundShape(spacetime []int) (shapes.Shape, error) {
	s, err := shapes.FromSpacetime(e.cfg.InputChannels, spacetime)
	if err != nil {
		return shapes.Shape{}, errInvalidArgument(err.Error())
	}
	return s.WithBatch(e.cfg.BatchSize)
}

func (e *Engine) determineTrainingShape(ctx context.Context, devices []string, given *shapes.Shape) (shapes.Shape, error) {
	e.log.Debug().Strs("devices", devices).Msg("determining training shape")

	if len(e.cfg.TrainingShape) > 0 {
		// configuration pins an exact training shape
		cfgShape, err := shapes.FromSpacetime(e.cfg.InputChannels, e.cfg.TrainingShape)
		if err != nil {
			return shapes.Shape{}, errInvalidArgument(err.Error())
		}
		if given != nil && !given.Equal(cfgShape) {
			return shapes.Shape{}, errIncompatible(fmt.Sprintf("given training shape %s unequal to configured training shape %s", given, cfgShape))
		}
		batched, err := cfgShape.WithBatch(e.cfg.BatchSize)
		if err != nil {
			return shapes.Shape{}, err
		}
		if len(e.cfg.UpperBound) > 0 {
			upper, err := e.boundShape(e.cfg.UpperBound)
			if err != nil {
				return shapes.Shape{}, err
			}
			ok, err := batched.LTE(upper)
			if err != nil {
				return shapes.Shape{}, errInvalidArgument(err.Error())
			}
			if !ok {
				return shapes.Shape{}, errIncompatible(fmt.Sprintf("training shape %s incompatible with upper bound %s", batched, upper))
			}
		}
		if len(e.cfg.LowerBound) > 0 {
			lower, err := e.boundShape(e.cfg.LowerBound)
			if err != nil {
				return shapes.Shape{}, err
			}
			ok, err := lower.LTE(batched)
			if err != nil {
				return shapes.Shape{}, errInvalidArgument(err.Error())
			}
			if !ok {
				return shapes.Shape{}, errIncompatible(fmt.Sprintf("lower bound %s incompatible with training shape %s", lower, batched))
			}
		}
		if !e.validateShape(ctx, devices, batched, true) {
			return shapes.Shape{}, fmt.Errorf("training shape %s could not be processed on devices %v", batched, devices)
		}
		return batched.DropBatch(), nil
	}

	// search for a training shape between the configured bounds
	if len(e.cfg.UpperBound) == 0 {
		return shapes.Shape{}, errInvalidArgument("config is missing training_shape and/or training_shape_upper_bound")
	}
	upper, err := e.boundShape(e.cfg.UpperBound)
	if err != nil {
		return shapes.Shape{}, err
	}
	var lower shapes.Shape
	if len(e.cfg.LowerBound) > 0 {
		lower, err = e.boundShape(e.cfg.LowerBound)
		if err != nil {
			return shapes.Shape{}, err
		}
	} else {
		lower = zeroLike(upper)
	}
	ok, err := lower.LTE(upper)
	if err != nil {
		return shapes.Shape{}, errInvalidArgument(err.Error())
	}
	if !ok {
		return shapes.Shape{}, errIncompatible(fmt.Sprintf("lower bound %s incompatible with upper bound %s", lower, upper))
	}

	found, err := searchShape(lower, upper, e.cfg.Discard, e.cfg.CombinationWarn, e.log, func(s shapes.Shape) bool {
		return e.validateShape(ctx, devices, s, false)
	})
	if err != nil {
		return shapes.Shape{}, err
	}
	if found == nil {
		return shapes.Shape{}, fmt.Errorf("no valid training shape found between %s and %s on devices %v", lower, upper, devices)
	}
	return found.DropBatch(), nil
}

func (e *Engine) determineValidShapes(ctx context.Context, devices []string, given []shapes.Shape) error {
	if given == nil {
		e.validShapes = []shapes.Shape{*e.trainingShape}
		return nil
	}
	out := make([]shapes.Shape, 0, len(given))
	for _, s := range given {
		batched, err := s.WithBatch(1)
		if err != nil {
			return errInvalidArgument(err.Error())
		}
		if e.validateShape(ctx, devices, batched, false) {
			out = append(out, s)
		} else {
			e.log.Warn().Stringer("shape", s).Msg("supplied valid shape rejected")
		}
	}
	e.validShapes = out
	return nil
}

// validateShape probes one batched candidate on every device. The candidate
// is accepted only if all devices succeed with an identical output shape and
// the resulting shrinkage matches any previously recorded value; the first
// successful probe's shrinkage becomes authoritative.
func (e *Engine) validateShape(ctx context.Context, devices []string, batched shapes.Shape, trainMode bool) bool {
	ordered, err := batched.Order(e.cfg.InputAxisOrder)
	if err != nil {
		e.log.Error().Err(err).Stringer("shape", batched).Msg("shape does not match input axis order")
		return false
	}
	var outputs [][]int
	for _, d := range devices {
		out, err := e.prober.ProbeShape(ctx, d, ordered, trainMode)
		if err != nil {
			probesTotal.WithLabelValues("invalid").Inc()
			e.log.Debug().Str("device", d).Stringer("shape", batched).Err(err).Msg("shape invalid")
			return false
		}
		probesTotal.WithLabelValues("valid").Inc()
		outputs = append(outputs, out)
	}
	first := outputs[0]
	for _, o := range outputs[1:] {
		if !equalExtents(o, first) {
			e.log.Warn().Stringer("shape", batched).Msg("different devices returned different output shapes for same input shape")
			return false
		}
	}
	outShape, err := shapes.FromOrdered(e.cfg.OutputAxisOrder, first, true)
	if err != nil {
		e.log.Error().Err(err).Msg("probe output does not match output axis order")
		return false
	}
	shrink, err := batched.DropBatch().Sub(outShape)
	if err != nil {
		e.log.Error().Err(err).Msg("cannot compute shrinkage")
		return false
	}
	if e.shrinkage == nil {
		e.shrinkage = &shrink
		e.log.Info().Stringer("shrinkage", shrink).Msg("determined shrinkage")
		return true
	}
	if !e.shrinkage.Equal(shrink) {
		e.log.Debug().Stringer("shape", batched).Stringer("shrinkage", shrink).Stringer("negotiated", *e.shrinkage).Msg("shape rejected: shrinkage mismatch")
		return false
	}
	return true
}

func zeroLike(s shapes.Shape) shapes.Shape {
	axes := s.Axes()
	for i := range axes {
		axes[i].Extent = 0
	}
	z, _ := shapes.New(axes...)
	return z
}

func equalExtents(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
