// Package session coordinates model sessions: each session leases devices
// exclusively from the registry, runs its model in an isolated worker
// process behind an RPC channel, and is torn down with a bounded grace
// period. Device release on teardown is unconditional: a leaked lease is
// worse than a lingering worker process.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tensord/internal/config"
	"tensord/internal/devices"
	"tensord/internal/model"
	"tensord/internal/rpc"
	"tensord/internal/shapes"
	"tensord/pkg/types"
)

// WorkerFactory starts the isolated worker for a new session and returns
// its channel. The session id lets the factory tag the worker's log output.
type WorkerFactory func(sessionID, modelRef string, deviceIDs []string) (RemoteWorker, error)

// ManagerConfig bundles manager construction parameters.
type ManagerConfig struct {
	Registry *devices.Registry
	Conf     config.Config
	// ConfigPath is handed to spawned workers and probes.
	ConfigPath string
	// WorkerBin is the binary to exec for workers; empty means the running
	// binary (resolved by the default factory).
	WorkerBin string
	// Factory overrides worker spawning; nil uses the subprocess factory.
	Factory WorkerFactory
	// ShutdownGrace bounds the graceful teardown wait. Zero applies the
	// package default.
	ShutdownGrace time.Duration
	Logger        zerolog.Logger
}

// Manager owns all live sessions.
type Manager struct {
	registry *devices.Registry
	conf     config.Config
	factory  WorkerFactory
	grace    time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager constructs a Manager, applying defaults for unset fields.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		registry: cfg.Registry,
		conf:     cfg.Conf,
		grace:    cfg.ShutdownGrace,
		log:      cfg.Logger.With().Str("component", "session").Logger(),
		sessions: make(map[string]*Session),
	}
	if m.grace <= 0 {
		m.grace = cfg.Conf.ShutdownGrace()
	}
	if m.grace <= 0 {
		m.grace = rpc.DefaultShutdownGrace
	}
	m.factory = cfg.Factory
	if m.factory == nil {
		m.factory = subprocessFactory(cfg, m.log)
	}
	return m
}

// subprocessFactory spawns `<bin> worker --config <path> --model <ref>
// --devices <csv>` and opens its stdio channel.
func subprocessFactory(cfg ManagerConfig, log zerolog.Logger) WorkerFactory {
	return func(sessionID, modelRef string, deviceIDs []string) (RemoteWorker, error) {
		bin := cfg.WorkerBin
		if bin == "" {
			return nil, fmt.Errorf("no worker binary configured")
		}
		// Everything the worker writes to stderr is forwarded under its
		// session id.
		wlog := log.With().Str("session", sessionID).Logger()
		return rpc.SpawnWorker(wlog, bin,
			"worker",
			"--config", cfg.ConfigPath,
			"--model", modelRef,
			"--devices", strings.Join(deviceIDs, ","),
		)
	}
}

// CreateSession leases the requested devices atomically, starts the
// session's worker and registers the session. On any failure after leasing,
// every acquired lease is released before the error surfaces.
func (m *Manager) CreateSession(ctx context.Context, modelRef string, deviceIDs []string) (*Session, error) {
	if len(deviceIDs) == 0 {
		return nil, ErrInvalidArgument("no devices specified for model session")
	}
	// The loss criterion is part of session construction: an unknown name
	// fails here, not on the first training-mode probe.
	crit := m.conf.Training.LossCriterion
	if crit.Method != "" {
		if _, err := model.ResolveCriterion(crit.Method, crit.Kwargs); err != nil {
			return nil, ErrInvalidArgument(err.Error())
		}
	}

	id := uuid.NewString()
	if err := m.registry.Lease(id, deviceIDs...); err != nil {
		return nil, err
	}
	w, err := m.factory(id, modelRef, deviceIDs)
	if err != nil {
		m.registry.Release(deviceIDs...)
		return nil, workerStartError{err: err}
	}

	sess := &Session{
		ID:        id,
		ModelRef:  modelRef,
		Devices:   append([]string(nil), deviceIDs...),
		CreatedAt: time.Now(),
		worker:    w,
	}
	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	m.log.Info().Str("session", id).Strs("devices", deviceIDs).Str("model", modelRef).Msg("session created")

	if m.conf.DryRun.RunOnCreate {
		go func() {
			if _, err := m.DryRun(context.Background(), id, types.DryRunRequest{}); err != nil {
				m.log.Error().Str("session", id).Err(err).Msg("initial dry run failed")
			}
		}()
	}
	return sess, nil
}

// CloseSession requests graceful worker shutdown with a bounded wait, then
// unconditionally releases the session's devices and deregisters it.
func (m *Manager) CloseSession(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound(id)
	}

	if err := sess.worker.Shutdown(m.grace); err != nil {
		if rpc.IsShutdownTimeout(err) {
			m.log.Warn().Str("session", id).Err(err).Msg("worker shutdown timed out")
		} else {
			m.log.Error().Str("session", id).Err(err).Msg("worker shutdown failed")
		}
	}
	// Release even after a timed-out shutdown.
	m.registry.Release(sess.Devices...)
	m.log.Info().Str("session", id).Msg("session closed")
	return nil
}

// Get looks up a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound(id)
	}
	return sess, nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Devices exposes the registry snapshot for the wire layer.
func (m *Manager) Devices() []devices.Device {
	return m.registry.List()
}

// DryRun triggers shape negotiation on the session's worker and blocks on
// the result. The negotiated record is cached on the session.
func (m *Manager) DryRun(ctx context.Context, id string, req types.DryRunRequest) (*types.NegotiatedShapes, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if len(req.Devices) == 0 {
		req.Devices = sess.Devices
	}
	raw, err := sess.worker.Call(rpc.OpDryRun, req).Wait(ctx)
	if err != nil {
		return nil, err
	}
	var rec types.NegotiatedShapes
	if err := decodeResult(raw, &rec); err != nil {
		return nil, err
	}
	sess.setNegotiated(&rec)
	return &rec, nil
}

// UpdateConfig forwards a partial configuration change to the session's
// worker. On success the cached negotiated record is dropped; the next dry
// run re-negotiates under the new settings.
func (m *Manager) UpdateConfig(ctx context.Context, id string, req types.UpdateConfigRequest) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	if _, err := sess.worker.Call(rpc.OpUpdateConfig, req).Wait(ctx); err != nil {
		return err
	}
	sess.setNegotiated(nil)
	m.log.Info().Str("session", id).Msg("session configuration updated")
	return nil
}

// Predict forwards an input shape to the session's worker and returns the
// output shape.
func (m *Manager) Predict(ctx context.Context, id string, input shapes.Shape) (shapes.Shape, error) {
	sess, err := m.Get(id)
	if err != nil {
		return shapes.Shape{}, err
	}
	raw, err := sess.worker.Call(rpc.OpPredict, types.PredictRequest{Shape: input}).Wait(ctx)
	if err != nil {
		return shapes.Shape{}, err
	}
	var resp types.PredictResponse
	if err := decodeResult(raw, &resp); err != nil {
		return shapes.Shape{}, err
	}
	return resp.Shape, nil
}

// Close tears down every live session. Used on daemon shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.CloseSession(id); err != nil && !IsNotFound(err) {
			m.log.Error().Str("session", id).Err(err).Msg("close session")
		}
	}
}

func decodeResult(raw any, into any) error {
	msg, ok := raw.(json.RawMessage)
	if !ok {
		return fmt.Errorf("unexpected rpc result type %T", raw)
	}
	return json.Unmarshal(msg, into)
}
