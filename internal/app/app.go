// Package app assembles the control plane: it constructs every subsystem in
// dependency order, registers the feature modules with the supervisor and
// wires the gateway on top.
package app

import (
	"context"
	"fmt"
	"time"

	"hearth/internal/automation"
	"hearth/internal/bus"
	"hearth/internal/clock"
	"hearth/internal/config"
	"hearth/internal/devices"
	"hearth/internal/energy"
	herrors "hearth/internal/errors"
	"hearth/internal/gateway"
	"hearth/internal/heating"
	"hearth/internal/logging"
	"hearth/internal/notify"
	"hearth/internal/perf"
	"hearth/internal/sampler"
	"hearth/internal/schedule"
	"hearth/internal/security"
	"hearth/internal/settings"
	"hearth/internal/supervisor"
)

const energySampleInterval = time.Minute

// App is the fully wired process.
type App struct {
	Config *config.Config
	Logger logging.Logger

	Clock    clock.Clock
	Bus      *bus.Bus
	Errors   *herrors.Service
	Settings settings.Store
	Adapter  *devices.Adapter
	Monitor  *perf.Monitor
	Notify   *notify.Center
	Energy   *energy.Service
	Security *security.Service
	Heating  *heating.Controller
	Rules    *automation.Engine

	Supervisor *supervisor.Supervisor
	Gateway    *gateway.Server

	fileStore *settings.FileStore
}

// New builds the application around the given device manager. Nothing is
// started; call Start to load the modules and serve.
func New(cfg *config.Config, logger logging.Logger, manager devices.Manager) (*App, error) {
	logger = logging.OrNop(logger)
	clk := clock.NewSystem()

	b := bus.New(logger)
	errs := herrors.NewService(clk, logger, b)
	b.SetErrorRecorder(errs)

	var store settings.Store
	var fileStore *settings.FileStore
	if cfg.SettingsPath != "" {
		fs, err := settings.NewFileStore(cfg.SettingsPath, logger)
		if err != nil {
			return nil, fmt.Errorf("settings store: %w", err)
		}
		if err := fs.Watch(); err != nil {
			logger.Warn("settings watch unavailable: %v", err)
		}
		store, fileStore = fs, fs
	} else {
		store = settings.NewMemory()
	}

	adapter := devices.NewAdapter(manager, errs, b, logger,
		devices.WithCallTimeout(time.Duration(cfg.DeviceTimeoutSeconds)*time.Second))

	monitor := perf.NewMonitor(clk, logger)
	center := notify.NewCenter(clk, logger, b)
	cron := schedule.NewCron(logger)

	samples := sampler.New(clk, logger, errs, "energy", energySampleInterval)
	samples.AddSource("devices", devicePowerSource(adapter))

	energySvc := energy.NewService(clk, logger, samples, store, b, cfg.DefaultTariffSEK)
	securitySvc := security.NewService(clk, logger, store, b, center)

	heat := heating.NewController(clk, logger, errs, b,
		heating.ActuatorFunc(func(ctx context.Context, deviceID string, level float64) error {
			return adapter.SetCapability(ctx, deviceID, "dim", level/100)
		}))

	rules := automation.NewEngine(clk, logger, errs, b, adapter, center, cron)

	sup := supervisor.New(clk, logger, b, errs)
	modules := []supervisor.Module{
		&perfModule{monitor: monitor},
		&notifyModule{center: center},
		&securityModule{svc: securitySvc, bus: b},
		&energyModule{samples: samples},
		&heatingModule{ctrl: heat},
		&automationModule{engine: rules, cron: cron, bus: b},
	}
	for _, m := range modules {
		if err := sup.Register(m); err != nil {
			return nil, err
		}
	}

	gw, err := gateway.NewServer(gateway.Deps{
		Config:     cfg,
		Logger:     logger,
		Errors:     errs,
		Monitor:    monitor,
		Supervisor: sup,
		Devices:    adapter,
		Energy:     energySvc,
		Security:   securitySvc,
	})
	if err != nil {
		return nil, err
	}
	if err := gw.Hub().Bind(b); err != nil {
		return nil, err
	}

	return &App{
		Config:     cfg,
		Logger:     logger,
		Clock:      clk,
		Bus:        b,
		Errors:     errs,
		Settings:   store,
		Adapter:    adapter,
		Monitor:    monitor,
		Notify:     center,
		Energy:     energySvc,
		Security:   securitySvc,
		Heating:    heat,
		Rules:      rules,
		Supervisor: sup,
		Gateway:    gw,
		fileStore:  fileStore,
	}, nil
}

// devicePowerSource sums measure_power across all known devices, keeping the
// per-device draw as derived values.
func devicePowerSource(adapter *devices.Adapter) sampler.ReadFunc {
	return func(ctx context.Context) (float64, map[string]float64, error) {
		all, err := adapter.GetDevices(ctx)
		if err != nil {
			return 0, nil, err
		}
		total := 0.0
		derived := make(map[string]float64)
		for id, d := range all {
			w, ok := d.CapabilityValues["measure_power"].(float64)
			if !ok {
				continue
			}
			total += w
			derived[id] = w
		}
		return total, derived, nil
	}
}

// Start loads every module. The result reports per-module failures; a
// partial load is not fatal.
func (a *App) Start(ctx context.Context) supervisor.Result {
	result := a.Supervisor.LoadAll(ctx)
	if len(result.Failed) > 0 {
		a.Logger.Warn("%d of %d modules failed to load: %v",
			len(result.Failed), result.Total, result.Failed)
	}
	return result
}

// Shutdown drains the gateway, destroys every module in reverse order and
// releases the settings watcher.
func (a *App) Shutdown(ctx context.Context) {
	if err := a.Gateway.Shutdown(ctx); err != nil {
		a.Logger.Warn("gateway shutdown: %v", err)
	}
	a.Supervisor.DestroyAll(ctx)
	if a.fileStore != nil {
		a.fileStore.Stop()
	}
}
