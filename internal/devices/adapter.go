package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"hearth/internal/bus"
	"hearth/internal/errors"
	"hearth/internal/logging"
)

const (
	defaultCallTimeout = 3 * time.Second
	capabilityCacheTTL = 10 * time.Second
	capabilityCacheCap = 4096
)

// Publisher is the slice of the event bus the adapter needs.
type Publisher interface {
	Publish(topic string, payload any) error
}

type cachedValue struct {
	value   any
	fetched time.Time
}

// Adapter fronts the external device manager. It is the only component that
// talks to the manager directly: it owns the capability-value cache,
// serialises mutations per device id, bounds every call with a timeout, and
// routes failures through the error middleware and a circuit breaker.
type Adapter struct {
	manager   Manager
	errs      *errors.Service
	breaker   *errors.Breaker
	publisher Publisher
	logger    logging.Logger
	timeout   time.Duration

	cache *lru.Cache[string, cachedValue]

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// AdapterOption customises the adapter.
type AdapterOption func(*Adapter)

// WithCallTimeout overrides the per-call timeout.
func WithCallTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAdapter creates the read-through adapter.
func NewAdapter(manager Manager, errs *errors.Service, publisher Publisher, logger logging.Logger, opts ...AdapterOption) *Adapter {
	cache, _ := lru.New[string, cachedValue](capabilityCacheCap)
	a := &Adapter{
		manager:   manager,
		errs:      errs,
		publisher: publisher,
		logger:    logging.OrNop(logger),
		timeout:   defaultCallTimeout,
		cache:     cache,
		locks:     make(map[string]*sync.Mutex),
	}
	if errs != nil {
		a.breaker = errs.Breaker("device-manager", errors.DefaultBreakerConfig())
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) deviceLock(deviceID string) *sync.Mutex {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()
	if lock, ok := a.locks[deviceID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	a.locks[deviceID] = lock
	return lock
}

func (a *Adapter) call(ctx context.Context, fn func(ctx context.Context) error) error {
	bounded, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if a.breaker != nil {
		return a.breaker.Execute(bounded, fn)
	}
	return fn(bounded)
}

// GetDevices lists all known devices.
func (a *Adapter) GetDevices(ctx context.Context) (map[string]Device, error) {
	var result map[string]Device
	err := a.call(ctx, func(ctx context.Context) error {
		var err error
		result, err = a.manager.GetDevices(ctx)
		return err
	})
	if err != nil {
		a.record(err, "list devices")
		return nil, err
	}
	return result, nil
}

// GetZones lists all known zones.
func (a *Adapter) GetZones(ctx context.Context) (map[string]Zone, error) {
	var result map[string]Zone
	err := a.call(ctx, func(ctx context.Context) error {
		var err error
		result, err = a.manager.GetZones(ctx)
		return err
	})
	if err != nil {
		a.record(err, "list zones")
		return nil, err
	}
	return result, nil
}

// GetCapability reads a capability value through the cache.
func (a *Adapter) GetCapability(ctx context.Context, deviceID, capability string) (any, error) {
	key := deviceID + "\x00" + capability
	if cached, ok := a.cache.Get(key); ok && time.Since(cached.fetched) < capabilityCacheTTL {
		return cached.value, nil
	}

	var value any
	err := a.call(ctx, func(ctx context.Context) error {
		var err error
		value, err = a.manager.GetDeviceCapability(ctx, deviceID, capability)
		return err
	})
	if err != nil {
		a.record(err, fmt.Sprintf("get %s.%s", deviceID, capability))
		return nil, err
	}

	a.cache.Add(key, cachedValue{value: value, fetched: time.Now()})
	return value, nil
}

// SetCapability writes a capability value. Writes to the same device are
// serialised; callers must not assume cross-device ordering.
func (a *Adapter) SetCapability(ctx context.Context, deviceID, capability string, value any) error {
	lock := a.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	err := a.call(ctx, func(ctx context.Context) error {
		return a.manager.SetDeviceCapability(ctx, deviceID, capability, value)
	})
	if err != nil {
		a.record(err, fmt.Sprintf("set %s.%s", deviceID, capability))
		return err
	}

	a.cache.Add(deviceID+"\x00"+capability, cachedValue{value: value, fetched: time.Now()})
	if a.publisher != nil {
		_ = a.publisher.Publish(bus.TopicDeviceUpdated, map[string]any{
			"deviceId":   deviceID,
			"capability": capability,
			"value":      value,
		})
	}
	return nil
}

// TriggerFlow activates a scene/flow on the device manager.
func (a *Adapter) TriggerFlow(ctx context.Context, flowID string) error {
	err := a.call(ctx, func(ctx context.Context) error {
		return a.manager.TriggerFlow(ctx, flowID)
	})
	if err != nil {
		a.record(err, fmt.Sprintf("trigger flow %s", flowID))
		return err
	}
	if a.publisher != nil {
		_ = a.publisher.Publish(bus.TopicSceneActivated, map[string]any{"sceneId": flowID})
	}
	return nil
}

func (a *Adapter) record(err error, op string) {
	if a.errs == nil {
		return
	}
	a.errs.Record("devices", fmt.Errorf("%s: %w", op, err))
}
