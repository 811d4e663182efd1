package security

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearth/internal/bus"
	"hearth/internal/clock"
	"hearth/internal/logging"
	"hearth/internal/settings"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeNotifier) Notify(priority, category, title, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, priority+":"+category)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newSecurityFixture(t *testing.T) (*Service, *bus.Bus, settings.Store, *fakeNotifier) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC))
	b := bus.New(logging.Nop())
	store := settings.NewMemory()
	notifier := &fakeNotifier{}
	svc := NewService(clk, nil, store, b, notifier)
	require.NoError(t, svc.Bind(b))
	return svc, b, store, notifier
}

func TestSetMode_ValidatesPersistsAnnounces(t *testing.T) {
	svc, b, store, _ := newSecurityFixture(t)

	var changes []map[string]any
	_ = b.Subscribe(bus.TopicSecurityModeChanged, "test", func(evt bus.Event) error {
		changes = append(changes, evt.Payload.(map[string]any))
		return nil
	})

	assert.ErrorIs(t, svc.SetMode("party"), ErrInvalidMode)
	require.NoError(t, svc.SetMode(ModeAway))

	assert.Equal(t, ModeAway, svc.Mode())
	persisted, _ := store.Get(ModeKey)
	assert.Equal(t, ModeAway, persisted)
	require.Len(t, changes, 1)
	assert.Equal(t, ModeAway, changes[0]["mode"])
	assert.Equal(t, ModeDisarmed, changes[0]["previous"])

	// Re-setting the same mode is a no-op.
	require.NoError(t, svc.SetMode(ModeAway))
	assert.Len(t, changes, 1)
}

func TestNewService_RestoresPersistedMode(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	store := settings.NewMemory()
	require.NoError(t, store.Set(ModeKey, ModeNight))

	svc := NewService(clk, nil, store, nil, nil)
	assert.Equal(t, ModeNight, svc.Mode())

	require.NoError(t, store.Set(ModeKey, "corrupted"))
	svc = NewService(clk, nil, store, nil, nil)
	assert.Equal(t, ModeDisarmed, svc.Mode(), "bad persisted value falls back to disarmed")
}

func TestAlarmEvents_RespectArmedClasses(t *testing.T) {
	svc, b, _, notifier := newSecurityFixture(t)

	motion := map[string]any{"deviceId": "motion-1", "capability": "alarm_motion", "value": true}

	// Disarmed: motion is not an armed class.
	require.NoError(t, b.Publish(bus.TopicDeviceUpdated, motion))
	assert.Equal(t, 0, notifier.count())

	// Away arms motion sensors.
	require.NoError(t, svc.SetMode(ModeAway))
	require.NoError(t, b.Publish(bus.TopicDeviceUpdated, motion))
	assert.Equal(t, 1, notifier.count())

	// Clearing the alarm does not alert.
	cleared := map[string]any{"deviceId": "motion-1", "capability": "alarm_motion", "value": false}
	require.NoError(t, b.Publish(bus.TopicDeviceUpdated, cleared))
	assert.Equal(t, 1, notifier.count())

	// Smoke alarms fire in every mode, including disarmed.
	require.NoError(t, svc.SetMode(ModeDisarmed))
	smoke := map[string]any{"deviceId": "smoke-1", "capability": "alarm_smoke", "value": true}
	require.NoError(t, b.Publish(bus.TopicDeviceUpdated, smoke))
	assert.Equal(t, 2, notifier.count())
}

func TestGetStatus_ReflectsMode(t *testing.T) {
	svc, _, _, _ := newSecurityFixture(t)
	require.NoError(t, svc.SetMode(ModeNight))

	status := svc.GetStatus()
	assert.Equal(t, ModeNight, status.Mode)
	assert.Contains(t, status.ArmedClasses, "alarm_contact")
	assert.NotContains(t, status.ArmedClasses, "alarm_motion")
	assert.False(t, status.ChangedAt.IsZero())
}
