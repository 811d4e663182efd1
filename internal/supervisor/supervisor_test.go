package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearth/internal/bus"
	"hearth/internal/clock"
	herrors "hearth/internal/errors"
	"hearth/internal/logging"
)

type testModule struct {
	name      string
	initErr   error
	initCalls int
	destroyed int
	onInit    func()
	onDestroy func()
}

func (m *testModule) Name() string { return m.name }

func (m *testModule) Initialize(ctx context.Context) error {
	m.initCalls++
	if m.onInit != nil {
		m.onInit()
	}
	return m.initErr
}

func (m *testModule) Destroy(ctx context.Context) error {
	m.destroyed++
	if m.onDestroy != nil {
		m.onDestroy()
	}
	return nil
}

func newSupervisorFixture(t *testing.T) (*Supervisor, *clock.Manual, *herrors.Service) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC))
	b := bus.New(logging.Nop())
	errs := herrors.NewService(clk, nil, b)
	b.SetErrorRecorder(errs)
	return New(clk, nil, b, errs), clk, errs
}

func TestLoadAll_FailureIsolation(t *testing.T) {
	s, _, errs := newSupervisorFixture(t)

	good := &testModule{name: "heating"}
	bad := &testModule{name: "pool", initErr: errors.New("probe offline")}
	alsoGood := &testModule{name: "energy"}
	require.NoError(t, s.Register(good))
	require.NoError(t, s.Register(bad))
	require.NoError(t, s.Register(alsoGood))

	result := s.LoadAll(context.Background())
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Ready)
	assert.Equal(t, []string{"pool"}, result.Failed)

	state, _ := s.State("pool")
	assert.Equal(t, StateFailed, state)
	state, _ = s.State("energy")
	assert.Equal(t, StateReady, state, "a failed peer must not block later modules")
	assert.Equal(t, 1, alsoGood.initCalls)

	history := errs.History(10)
	require.NotEmpty(t, history)
	assert.Equal(t, "pool", history[0].System)
	assert.Equal(t, herrors.SeverityCritical, history[0].Severity)
}

func TestLoadAll_DeterministicOrder(t *testing.T) {
	s, _, _ := newSupervisorFixture(t)

	var order []string
	for _, name := range []string{"settings", "devices", "heating", "gateway"} {
		n := name
		require.NoError(t, s.Register(&testModule{name: n, onInit: func() {
			order = append(order, n)
		}}))
	}

	s.LoadAll(context.Background())
	assert.Equal(t, []string{"settings", "devices", "heating", "gateway"}, order)
}

func TestRegister_DuplicateRejected(t *testing.T) {
	s, _, _ := newSupervisorFixture(t)
	require.NoError(t, s.Register(&testModule{name: "heating"}))
	assert.Error(t, s.Register(&testModule{name: "heating"}))
}

func TestDestroyAll_ReverseOrderAndShutdownBroadcast(t *testing.T) {
	s, _, _ := newSupervisorFixture(t)

	shutdownSeen := false
	_ = s.Bus().Subscribe(bus.TopicShutdown, "test", func(bus.Event) error {
		shutdownSeen = true
		return nil
	})

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		n := name
		require.NoError(t, s.Register(&testModule{name: n, onDestroy: func() {
			order = append(order, n)
		}}))
	}
	s.LoadAll(context.Background())
	s.DestroyAll(context.Background())

	assert.True(t, shutdownSeen)
	assert.Equal(t, []string{"third", "second", "first"}, order)
	state, _ := s.State("second")
	assert.Equal(t, StateDestroyed, state)
}

func TestDestroyAll_SkipsFailedModules(t *testing.T) {
	s, _, _ := newSupervisorFixture(t)

	failed := &testModule{name: "broken", initErr: errors.New("nope")}
	fine := &testModule{name: "fine"}
	require.NoError(t, s.Register(failed))
	require.NoError(t, s.Register(fine))
	s.LoadAll(context.Background())
	s.DestroyAll(context.Background())

	assert.Equal(t, 0, failed.destroyed, "modules that never initialized are not destroyed")
	assert.Equal(t, 1, fine.destroyed)
}

func TestDestroyAll_StopsLeakedTimers(t *testing.T) {
	s, clk, _ := newSupervisorFixture(t)

	leaky := &testModule{name: "leaky"}
	leaky.onInit = func() {
		clk.AfterFunc("leaky", time.Hour, func() {})
	}
	require.NoError(t, s.Register(leaky))
	s.LoadAll(context.Background())
	require.Contains(t, clk.ActiveTimers(), "leaky")

	s.DestroyAll(context.Background())
	assert.NotContains(t, clk.ActiveTimers(), "leaky")
}

func TestGetSummary(t *testing.T) {
	s, clk, _ := newSupervisorFixture(t)
	require.NoError(t, s.Register(&testModule{name: "a"}))
	require.NoError(t, s.Register(&testModule{name: "b", initErr: errors.New("x")}))

	assert.False(t, s.Loaded())
	s.LoadAll(context.Background())
	assert.True(t, s.Loaded())

	clk.Advance(42 * time.Second)
	summary := s.GetSummary()
	assert.Equal(t, 2, summary.ModuleCount)
	assert.Equal(t, 1, summary.Ready)
	assert.Equal(t, []string{"b"}, summary.Failed)
	assert.InDelta(t, 42, summary.UptimeSeconds, 1e-9)
}
