package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jarney/snackbot/config"
)

// Application wires the configured modules together and runs them until a
// signal, context cancellation or runtime shutdown.
type Application struct {
	cfg        *config.Config
	configFile string
	log        *logrus.Logger

	container *Container
	modules   *ModuleManager
	runtime   *RuntimeModule
}

// NewApplication registers the modules enabled in cfg. When configFile is
// not empty the file is watched for runtime changes.
func NewApplication(cfg *config.Config, configFile string, log *logrus.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	app := &Application{
		cfg:        cfg,
		configFile: configFile,
		log:        log,
		container:  NewContainer(),
		modules:    NewModuleManager(log),
	}
	if err := app.container.RegisterInstance(InstanceConfig, cfg); err != nil {
		return nil, err
	}
	if t := cfg.Scheduler.ShutdownTimeout.Duration; t > 0 {
		app.modules.SetTimeout(t)
	}
	if err := app.registerModules(); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *Application) registerModules() error {
	entry := a.log.WithField("app", a.cfg.App.Name)

	a.runtime = NewRuntimeModule(a.cfg.App.Name, a.cfg.Scheduler, a.container, entry)
	if err := a.modules.Register(a.runtime); err != nil {
		return err
	}

	if a.configFile != "" {
		if err := a.modules.Register(NewConfigModule(a.configFile, a.container, a.log), ModuleRuntime); err != nil {
			return err
		}
	}
	if a.cfg.Network.Enabled {
		if err := a.modules.Register(NewNetworkModule(a.cfg.Network, a.container, entry), ModuleRuntime); err != nil {
			return err
		}
	}
	if a.cfg.Drive.Enabled {
		if err := a.modules.Register(NewDriveModule(a.cfg.Drive, a.container, entry), ModuleRuntime); err != nil {
			return err
		}
	}

	monitorDeps := []string{ModuleRuntime}
	if a.cfg.Telemetry.Recorder.Enabled {
		if err := a.modules.Register(NewRecorderModule(a.cfg.Telemetry.Recorder, a.container, entry), ModuleRuntime); err != nil {
			return err
		}
		monitorDeps = append(monitorDeps, ModuleRecorder)
	}
	if a.cfg.Telemetry.Monitor.Enabled {
		monitor := NewMonitorModule(a.cfg.Telemetry.Monitor, a.cfg.App.Debug, a.container, a.modules, entry)
		if err := a.modules.Register(monitor, monitorDeps...); err != nil {
			return err
		}
	}
	return nil
}

// Start starts every module.
func (a *Application) Start(ctx context.Context) error {
	a.log.WithFields(logrus.Fields{
		"app":         a.cfg.App.Name,
		"version":     a.cfg.App.Version,
		"environment": a.cfg.App.Environment,
	}).Info("starting application")
	return a.modules.Start(ctx)
}

// Stop stops every module in reverse start order.
func (a *Application) Stop(ctx context.Context) error {
	a.log.Info("stopping application")
	return a.modules.Stop(ctx)
}

// Run starts the application and blocks until SIGINT or SIGTERM, ctx is
// cancelled or the biote manager shuts down, then stops it.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		a.log.WithField("signal", sig.String()).Info("received shutdown signal")
	case <-ctx.Done():
		a.log.Info("context cancelled")
	case <-a.runtime.Done():
		a.log.Warn("biote manager shut down")
	}

	return a.Stop(context.Background())
}

// Shutdown stops the application within timeout.
func (a *Application) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.Stop(ctx)
}

// Config returns the configuration the application was built with.
func (a *Application) Config() *config.Config {
	return a.cfg
}

// Container returns the instance container shared by the modules.
func (a *Application) Container() *Container {
	return a.container
}

// Modules returns the module manager.
func (a *Application) Modules() *ModuleManager {
	return a.modules
}

// Runtime returns the module owning the biote manager.
func (a *Application) Runtime() *RuntimeModule {
	return a.runtime
}
