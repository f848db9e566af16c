package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tensord/internal/config"
	"tensord/internal/devices"
	"tensord/internal/rpc"
	"tensord/internal/shapes"
	"tensord/pkg/types"
)

// fakeWorker scripts RPC responses and records shutdown calls.
type fakeWorker struct {
	results      map[string]any
	shutdownErr  error
	shutdownSeen chan time.Duration
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{results: map[string]any{}, shutdownSeen: make(chan time.Duration, 1)}
}

func (f *fakeWorker) Call(op string, params any) *rpc.Future {
	fut := rpc.NewFuture()
	v, ok := f.results[op]
	if !ok {
		fut.Complete(nil, errors.New("unknown operation: "+op))
		return fut
	}
	raw, err := json.Marshal(v)
	if err != nil {
		fut.Complete(nil, err)
		return fut
	}
	fut.Complete(json.RawMessage(raw), nil)
	return fut
}

func (f *fakeWorker) Shutdown(grace time.Duration) error {
	select {
	case f.shutdownSeen <- grace:
	default:
	}
	return f.shutdownErr
}

type managerFixture struct {
	m        *Manager
	registry *devices.Registry
	worker   *fakeWorker
	startErr error
	// factorySession records the session id handed to the worker factory.
	factorySession string
}

func newFixture(t *testing.T, deviceIDs ...string) *managerFixture {
	t.Helper()
	if len(deviceIDs) == 0 {
		deviceIDs = []string{"cpu"}
	}
	fx := &managerFixture{
		registry: devices.NewRegistry(zerolog.Nop(), deviceIDs...),
		worker:   newFakeWorker(),
	}
	var conf config.Config
	conf.ApplyDefaults()
	conf.Training.UpperBound = []int{64, 64}
	fx.m = NewManager(ManagerConfig{
		Registry: fx.registry,
		Conf:     conf,
		Factory: func(sessionID, modelRef string, ids []string) (RemoteWorker, error) {
			fx.factorySession = sessionID
			if fx.startErr != nil {
				return nil, fx.startErr
			}
			return fx.worker, nil
		},
		ShutdownGrace: 50 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})
	return fx
}

func deviceStatus(t *testing.T, r *devices.Registry, id string) devices.Status {
	t.Helper()
	for _, d := range r.List() {
		if d.ID == id {
			return d.Status
		}
	}
	t.Fatalf("device %s missing", id)
	return ""
}

func TestCreateSessionLeasesDevices(t *testing.T) {
	fx := newFixture(t)
	sess, err := fx.m.CreateSession(context.Background(), "model-a", []string{"cpu"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == "" {
		t.Fatalf("empty session id")
	}
	if got := deviceStatus(t, fx.registry, "cpu"); got != devices.StatusInUse {
		t.Fatalf("cpu = %s, want IN_USE", got)
	}
	if fx.m.Count() != 1 {
		t.Fatalf("count = %d", fx.m.Count())
	}
}

func TestCreateSessionTagsWorkerWithSessionID(t *testing.T) {
	fx := newFixture(t)
	sess, err := fx.m.CreateSession(context.Background(), "m", []string{"cpu"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if fx.factorySession != sess.ID {
		t.Fatalf("factory saw session %q, want %q", fx.factorySession, sess.ID)
	}
}

func TestCreateSessionConflictLeavesRegistryIntact(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.m.CreateSession(context.Background(), "m", []string{"cpu"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := fx.m.CreateSession(context.Background(), "m", []string{"cpu"})
	if err == nil || !devices.IsConflict(err) {
		t.Fatalf("err = %v, want lease conflict", err)
	}
	if fx.m.Count() != 1 {
		t.Fatalf("count = %d", fx.m.Count())
	}
}

func TestCreateSessionRollsBackOnWorkerStartFailure(t *testing.T) {
	fx := newFixture(t)
	fx.startErr = errors.New("spawn failed")
	_, err := fx.m.CreateSession(context.Background(), "m", []string{"cpu"})
	if err == nil || !IsWorkerStart(err) {
		t.Fatalf("err = %v, want worker start error", err)
	}
	if got := deviceStatus(t, fx.registry, "cpu"); got != devices.StatusAvailable {
		t.Fatalf("cpu = %s after rollback, want AVAILABLE", got)
	}
}

func TestCreateSessionRejectsEmptyDeviceList(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.m.CreateSession(context.Background(), "m", nil)
	if err == nil || !IsInvalidArgument(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestCreateSessionRejectsUnknownCriterion(t *testing.T) {
	fx := newFixture(t)
	fx.m.conf.Training.LossCriterion = config.CriterionSpec{Method: "FancyLoss"}
	_, err := fx.m.CreateSession(context.Background(), "m", []string{"cpu"})
	if err == nil || !IsInvalidArgument(err) {
		t.Fatalf("err = %v", err)
	}
	if got := deviceStatus(t, fx.registry, "cpu"); got != devices.StatusAvailable {
		t.Fatalf("cpu leased despite rejected session")
	}
}

func TestCloseSessionReleasesDevices(t *testing.T) {
	fx := newFixture(t)
	sess, err := fx.m.CreateSession(context.Background(), "m", []string{"cpu"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fx.m.CloseSession(sess.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := deviceStatus(t, fx.registry, "cpu"); got != devices.StatusAvailable {
		t.Fatalf("cpu = %s after close", got)
	}
	if _, err := fx.m.Get(sess.ID); err == nil || !IsNotFound(err) {
		t.Fatalf("get after close = %v", err)
	}
	// a second session can lease the device now
	if _, err := fx.m.CreateSession(context.Background(), "m", []string{"cpu"}); err != nil {
		t.Fatalf("recreate: %v", err)
	}
}

func TestCloseSessionReleasesEvenWhenShutdownFails(t *testing.T) {
	fx := newFixture(t)
	fx.worker.shutdownErr = errors.New("worker did not stop within grace period")
	sess, err := fx.m.CreateSession(context.Background(), "m", []string{"cpu"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fx.m.CloseSession(sess.ID); err != nil {
		t.Fatalf("close must swallow shutdown failures, got %v", err)
	}
	if got := deviceStatus(t, fx.registry, "cpu"); got != devices.StatusAvailable {
		t.Fatalf("cpu = %s, lease leaked past failed shutdown", got)
	}
}

func TestCloseUnknownSession(t *testing.T) {
	fx := newFixture(t)
	err := fx.m.CloseSession("nope")
	if err == nil || !IsNotFound(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestGetNotFoundMessage(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.m.Get("myid1")
	if err == nil || err.Error() != "model-session with id myid1 doesn't exist" {
		t.Fatalf("err = %v", err)
	}
}

func TestDryRunDecodesAndCachesRecord(t *testing.T) {
	fx := newFixture(t)
	train, _ := shapes.FromOrdered("cyx", []int{1, 32, 32}, false)
	shrink, _ := shapes.FromOrdered("cyx", []int{0, 2, 2}, false)
	fx.worker.results[rpc.OpDryRun] = types.NegotiatedShapes{
		Devices:       []string{"cpu"},
		TrainingShape: train,
		ValidShapes:   []shapes.Shape{train},
		Shrinkage:     shrink,
	}
	sess, err := fx.m.CreateSession(context.Background(), "m", []string{"cpu"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := fx.m.DryRun(context.Background(), sess.ID, types.DryRunRequest{})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !rec.TrainingShape.Equal(train) {
		t.Fatalf("training = %s", rec.TrainingShape)
	}
	cached := sess.Negotiated()
	if cached == nil || !cached.Shrinkage.Equal(shrink) {
		t.Fatalf("record not cached: %+v", cached)
	}
}

func TestUpdateConfigDropsCachedRecord(t *testing.T) {
	fx := newFixture(t)
	train, _ := shapes.FromOrdered("cyx", []int{1, 32, 32}, false)
	fx.worker.results[rpc.OpDryRun] = types.NegotiatedShapes{
		Devices:       []string{"cpu"},
		TrainingShape: train,
		ValidShapes:   []shapes.Shape{train},
	}
	fx.worker.results[rpc.OpUpdateConfig] = struct{}{}
	sess, err := fx.m.CreateSession(context.Background(), "m", []string{"cpu"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := fx.m.DryRun(context.Background(), sess.ID, types.DryRunRequest{}); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if sess.Negotiated() == nil {
		t.Fatalf("record not cached")
	}
	upper := []int{16, 16}
	req := types.UpdateConfigRequest{Training: &types.TrainingUpdate{UpperBound: &upper}}
	if err := fx.m.UpdateConfig(context.Background(), sess.ID, req); err != nil {
		t.Fatalf("update config: %v", err)
	}
	if sess.Negotiated() != nil {
		t.Fatalf("cached record survived the update")
	}
}

func TestUpdateConfigUnknownSession(t *testing.T) {
	fx := newFixture(t)
	err := fx.m.UpdateConfig(context.Background(), "nope", types.UpdateConfigRequest{})
	if err == nil || !IsNotFound(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestPredictRoundTrip(t *testing.T) {
	fx := newFixture(t)
	out, _ := shapes.FromOrdered("bcyx", []int{1, 1, 30, 30}, false)
	fx.worker.results[rpc.OpPredict] = types.PredictResponse{Shape: out}
	sess, err := fx.m.CreateSession(context.Background(), "m", []string{"cpu"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	in, _ := shapes.FromOrdered("bcyx", []int{1, 1, 32, 32}, false)
	got, err := fx.m.Predict(context.Background(), sess.ID, in)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if !got.Equal(out) {
		t.Fatalf("out = %s, want %s", got, out)
	}
}

func TestManagerCloseTearsDownAllSessions(t *testing.T) {
	fx := newFixture(t, "cpu", "cuda:0")
	if _, err := fx.m.CreateSession(context.Background(), "m", []string{"cpu"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := fx.m.CreateSession(context.Background(), "m", []string{"cuda:0"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	fx.m.Close()
	if fx.m.Count() != 0 {
		t.Fatalf("count = %d", fx.m.Count())
	}
	if fx.registry.InUseCount() != 0 {
		t.Fatalf("in use = %d", fx.registry.InUseCount())
	}
}
