package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/jarney/snackbot/config"
	"github.com/jarney/snackbot/core"
	"github.com/jarney/snackbot/drive"
	"github.com/jarney/snackbot/logging"
	"github.com/jarney/snackbot/network"
	"github.com/jarney/snackbot/telemetry"
)

// Module names.
const (
	ModuleRuntime  = "runtime"
	ModuleConfig   = "config"
	ModuleNetwork  = "network"
	ModuleDrive    = "drive"
	ModuleRecorder = "recorder"
	ModuleMonitor  = "monitor"
)

// Names under which module biotes are registered with the manager.
const (
	DriveBioteName    = "drive"
	RecorderBioteName = "recorder"
)

// stopPollInterval is how often a module checks that its biote is gone.
const stopPollInterval = 10 * time.Millisecond

func resolveManager(c *Container) (*core.Manager, error) {
	var m *core.Manager
	if err := c.ResolveAs(InstanceManager, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// RuntimeModule owns the biote manager.
type RuntimeModule struct {
	name      string
	cfg       config.SchedulerConfig
	container *Container
	log       logrus.FieldLogger

	mu      sync.RWMutex
	manager *core.Manager
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewRuntimeModule creates the module running a manager named name.
func NewRuntimeModule(name string, cfg config.SchedulerConfig, c *Container, log logrus.FieldLogger) *RuntimeModule {
	return &RuntimeModule{name: name, cfg: cfg, container: c, log: log.WithField("module", ModuleRuntime)}
}

func (r *RuntimeModule) Name() string { return ModuleRuntime }

// Start creates the manager and publishes it in the container.
func (r *RuntimeModule) Start(_ context.Context) error {
	opts := core.DefaultManagerOptions()
	opts.Name = r.name
	opts.WorkerPoolSize = r.cfg.WorkerPoolSize
	opts.BlockingPoolSize = r.cfg.BlockingPoolSize
	if r.cfg.LongActivation.Duration > 0 {
		opts.LongActivation = r.cfg.LongActivation.Duration
	}
	opts.Logger = r.log

	m := core.NewManager(opts)
	if err := r.container.RegisterInstance(InstanceManager, m); err != nil {
		m.Shutdown()
		return err
	}

	r.mu.Lock()
	r.manager = m
	r.stop = make(chan struct{})
	r.mu.Unlock()

	if interval := r.cfg.ActivityCheckInterval.Duration; interval > 0 {
		r.wg.Add(1)
		go r.watchActivity(m, interval, r.stop)
	}
	return nil
}

// watchActivity periodically checks for workers stuck in one activation.
func (r *RuntimeModule) watchActivity(m *core.Manager, interval time.Duration, stop <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// reports are logged by the manager
			m.CheckThreadActivity()
		}
	}
}

// Stop shuts the manager down and waits for every biote to finalize.
func (r *RuntimeModule) Stop(ctx context.Context) error {
	r.mu.Lock()
	m, stop := r.manager, r.stop
	r.manager, r.stop = nil, nil
	r.mu.Unlock()
	if m == nil {
		return nil
	}

	close(stop)
	r.wg.Wait()
	r.container.RemoveInstance(InstanceManager)

	m.Shutdown()
	if err := m.WaitForShutdownContext(ctx); err != nil {
		return fmt.Errorf("biote manager %s: %w", m.Name(), err)
	}
	return nil
}

func (r *RuntimeModule) Health(_ context.Context) (HealthStatus, error) {
	m := r.Manager()
	if m == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	snap := m.Snapshot()
	data := map[string]interface{}{
		"biotes":  snap.Biotes,
		"workers": snap.Workers,
		"busy":    snap.BusyWorkers,
	}
	if !snap.Running || snap.Stopping {
		return HealthStatus{State: HealthUnhealthy, Message: "manager is stopping", Data: data}, nil
	}
	return HealthStatus{State: HealthHealthy, Data: data}, nil
}

// Manager returns the running manager, nil when stopped.
func (r *RuntimeModule) Manager() *core.Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.manager
}

// Done is closed when the running manager has shut down. It is nil while
// the module is stopped.
func (r *RuntimeModule) Done() <-chan struct{} {
	if m := r.Manager(); m != nil {
		return m.Done()
	}
	return nil
}

// ConfigModule watches the configuration file and applies the settings
// that can change at runtime: the log level and the drive parameters.
type ConfigModule struct {
	file      string
	logger    *logrus.Logger
	container *Container
	log       logrus.FieldLogger
	debounce  time.Duration

	watcher *config.Watcher
}

// NewConfigModule creates a module watching file.
func NewConfigModule(file string, c *Container, logger *logrus.Logger) *ConfigModule {
	return &ConfigModule{
		file:      file,
		logger:    logger,
		container: c,
		log:       logger.WithField("module", ModuleConfig),
		debounce:  config.DefaultDebounce,
	}
}

func (cm *ConfigModule) Name() string { return ModuleConfig }

func (cm *ConfigModule) Start(_ context.Context) error {
	w, err := config.NewWatcher(cm.file, config.NewLoader(), cm.log)
	if err != nil {
		return err
	}
	w.SetDebounce(cm.debounce)
	w.OnConfigChange(cm.apply)
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	cm.watcher = w
	return nil
}

// apply pushes a reloaded configuration into the running subsystems.
func (cm *ConfigModule) apply(old, updated *config.Config) {
	if old.Log.Level != updated.Log.Level {
		if err := logging.SetLevel(cm.logger, updated.Log.Level); err != nil {
			cm.log.WithError(err).Warn("log level not changed")
		} else {
			cm.log.WithField("level", updated.Log.Level).Info("log level changed")
		}
	}

	if old.Drive != updated.Drive && cm.container.Has(InstanceDriveBiote) {
		var id core.BioteID
		if err := cm.container.ResolveAs(InstanceDriveBiote, &id); err != nil {
			cm.log.WithError(err).Warn("drive reconfiguration skipped")
			return
		}
		m, err := resolveManager(cm.container)
		if err != nil {
			cm.log.WithError(err).Warn("drive reconfiguration skipped")
			return
		}
		if err := m.SendStimulus(id, drive.UpdateConfig(drive.ParamsFrom(updated.Drive))); err != nil {
			cm.log.WithError(err).Warn("drive reconfiguration not delivered")
		}
	}

	if err := cm.container.RegisterInstance(InstanceConfig, updated); err != nil {
		cm.log.WithError(err).Warn("configuration not published")
	}
}

// Reload rereads the configuration file immediately.
func (cm *ConfigModule) Reload() error {
	if cm.watcher == nil {
		return fmt.Errorf("config module is not running")
	}
	return cm.watcher.Reload()
}

func (cm *ConfigModule) Stop(_ context.Context) error {
	if cm.watcher == nil {
		return nil
	}
	err := cm.watcher.Stop()
	cm.watcher = nil
	return err
}

func (cm *ConfigModule) Health(_ context.Context) (HealthStatus, error) {
	if cm.watcher == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	return HealthStatus{State: HealthHealthy, Data: map[string]interface{}{"file": cm.file}}, nil
}

// NetworkModule runs the TCP bridge.
type NetworkModule struct {
	cfg       config.NetworkConfig
	container *Container
	log       logrus.FieldLogger

	server *network.Server
}

// NewNetworkModule creates the bridge module.
func NewNetworkModule(cfg config.NetworkConfig, c *Container, log logrus.FieldLogger) *NetworkModule {
	return &NetworkModule{cfg: cfg, container: c, log: log}
}

func (n *NetworkModule) Name() string { return ModuleNetwork }

func (n *NetworkModule) Start(_ context.Context) error {
	m, err := resolveManager(n.container)
	if err != nil {
		return err
	}
	srv, err := network.NewServer(network.ServerConfigFrom(n.cfg), m, n.log)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	n.server = srv
	return n.container.RegisterInstance(InstanceNetworkServer, srv)
}

func (n *NetworkModule) Stop(_ context.Context) error {
	if n.server == nil {
		return nil
	}
	n.container.RemoveInstance(InstanceNetworkServer)
	err := n.server.Stop()
	n.server = nil
	return err
}

func (n *NetworkModule) Health(_ context.Context) (HealthStatus, error) {
	if n.server == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	stats := n.server.Statistics()
	return HealthStatus{
		State:   HealthHealthy,
		Message: stats.String(),
		Data:    map[string]interface{}{"connections": n.server.ConnectionCount()},
	}, nil
}

// Addr returns the bridge address, nil when stopped.
func (n *NetworkModule) Addr() net.Addr {
	if n.server == nil {
		return nil
	}
	return n.server.Addr()
}

// DriveModule runs the differential drive biote on simulated wheels.
type DriveModule struct {
	cfg       config.DriveConfig
	container *Container
	log       logrus.FieldLogger

	manager *core.Manager
	id      core.BioteID
}

// NewDriveModule creates the drive module.
func NewDriveModule(cfg config.DriveConfig, c *Container, log logrus.FieldLogger) *DriveModule {
	return &DriveModule{cfg: cfg, container: c, log: log.WithField("module", ModuleDrive)}
}

func (d *DriveModule) Name() string { return ModuleDrive }

func (d *DriveModule) Start(_ context.Context) error {
	m, err := resolveManager(d.container)
	if err != nil {
		return err
	}

	params := drive.ParamsFrom(d.cfg)
	if err := params.Validate(); err != nil {
		return err
	}
	tpm := params.TicksPerMeter()
	b, err := drive.NewDriveBiote(params, drive.NewSimulatedWheel(tpm), drive.NewSimulatedWheel(tpm))
	if err != nil {
		return err
	}

	id, err := m.CreateBioteWithOptions(b, core.BioteOptions{Name: DriveBioteName})
	if err != nil {
		return err
	}
	if err := m.RegisterName(DriveBioteName, id); err != nil {
		return err
	}
	d.manager, d.id = m, id
	d.log.WithField("biote", id).Info("drive biote created")
	return d.container.RegisterInstance(InstanceDriveBiote, id)
}

// Stop halts the motors. The biote itself finalizes with the manager.
func (d *DriveModule) Stop(_ context.Context) error {
	if d.manager == nil {
		return nil
	}
	d.container.RemoveInstance(InstanceDriveBiote)
	err := d.manager.SendStimulus(d.id, core.NewSignal(drive.EventAllStop))
	d.manager = nil
	if errors.Is(err, core.ErrBioteStopping) || errors.Is(err, core.ErrManagerStopped) {
		return nil
	}
	return err
}

func (d *DriveModule) Health(_ context.Context) (HealthStatus, error) {
	if d.manager == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	if !d.manager.HasBiote(d.id) {
		return HealthStatus{State: HealthUnhealthy, Message: "drive biote terminated"}, nil
	}
	return HealthStatus{State: HealthHealthy, Data: map[string]interface{}{"biote": d.id}}, nil
}

// BioteID returns the drive biote id, zero when stopped.
func (d *DriveModule) BioteID() core.BioteID {
	if d.manager == nil {
		return 0
	}
	return d.id
}

// RecorderModule persists stats windows to a SQL database.
type RecorderModule struct {
	cfg       config.RecorderConfig
	container *Container
	log       logrus.FieldLogger

	store   *telemetry.Store
	manager *core.Manager
	id      core.BioteID
}

// NewRecorderModule creates the recorder module.
func NewRecorderModule(cfg config.RecorderConfig, c *Container, log logrus.FieldLogger) *RecorderModule {
	return &RecorderModule{cfg: cfg, container: c, log: log.WithField("module", ModuleRecorder)}
}

func (r *RecorderModule) Name() string { return ModuleRecorder }

func (r *RecorderModule) Start(ctx context.Context) error {
	m, err := resolveManager(r.container)
	if err != nil {
		return err
	}

	store, err := telemetry.Open(ctx, r.cfg)
	if err != nil {
		return err
	}
	rec, err := telemetry.NewRecorder(store, r.cfg.Interval.Duration)
	if err != nil {
		store.Close()
		return err
	}
	id, err := m.CreateBioteWithOptions(rec, core.BioteOptions{Name: RecorderBioteName, Blocking: true})
	if err != nil {
		store.Close()
		return err
	}
	if err := m.RegisterName(RecorderBioteName, id); err != nil {
		m.SendStimulus(id, core.NewSignal(telemetry.EventStop))
		store.Close()
		return err
	}

	r.store, r.manager, r.id = store, m, id
	return r.container.RegisterInstance(InstanceStatsStore, store)
}

// Stop asks the recorder to write its last window, waits for it to finish
// and closes the database.
func (r *RecorderModule) Stop(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.container.RemoveInstance(InstanceStatsStore)

	var waitErr error
	if err := r.manager.SendStimulus(r.id, core.NewSignal(telemetry.EventStop)); err == nil {
		waitErr = r.waitGone(ctx)
	}

	err := r.store.Close()
	r.store, r.manager = nil, nil
	if waitErr != nil {
		return waitErr
	}
	return err
}

func (r *RecorderModule) waitGone(ctx context.Context) error {
	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()
	for r.manager.HasBiote(r.id) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("recorder did not finalize: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (r *RecorderModule) Health(ctx context.Context) (HealthStatus, error) {
	if r.store == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	if err := r.store.Ping(ctx); err != nil {
		return HealthStatus{State: HealthUnhealthy, Message: err.Error()}, nil
	}
	if !r.manager.HasBiote(r.id) {
		return HealthStatus{State: HealthUnhealthy, Message: "recorder biote terminated"}, nil
	}
	return HealthStatus{State: HealthHealthy, Data: map[string]interface{}{"driver": r.store.Driver()}}, nil
}

// MonitorModule serves health, stats and prometheus metrics over HTTP.
type MonitorModule struct {
	cfg       config.MonitorConfig
	debug     bool
	container *Container
	modules   *ModuleManager
	log       logrus.FieldLogger

	server *telemetry.Server
}

// NewMonitorModule creates the monitor module. Health reports every module
// registered with mm.
func NewMonitorModule(cfg config.MonitorConfig, debug bool, c *Container, mm *ModuleManager, log logrus.FieldLogger) *MonitorModule {
	return &MonitorModule{cfg: cfg, debug: debug, container: c, modules: mm, log: log}
}

func (mo *MonitorModule) Name() string { return ModuleMonitor }

func (mo *MonitorModule) Start(_ context.Context) error {
	m, err := resolveManager(mo.container)
	if err != nil {
		return err
	}
	if !mo.debug {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := telemetry.NewServer(mo.cfg, m, mo.log)
	srv.SetHealth(mo.health)
	var store *telemetry.Store
	if err := mo.container.ResolveAs(InstanceStatsStore, &store); err == nil {
		srv.SetStore(store)
	}
	if err := srv.Start(); err != nil {
		return err
	}
	mo.server = srv
	return nil
}

// health flattens module health for the HTTP endpoint.
func (mo *MonitorModule) health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(map[string]string)
	for name, status := range mo.modules.Health(ctx) {
		switch {
		case status.State == HealthHealthy:
			out[name] = telemetry.HealthOK
		case status.Message != "":
			out[name] = string(status.State) + ": " + status.Message
		default:
			out[name] = string(status.State)
		}
	}
	return out
}

func (mo *MonitorModule) Stop(ctx context.Context) error {
	if mo.server == nil {
		return nil
	}
	err := mo.server.Stop(ctx)
	mo.server = nil
	return err
}

func (mo *MonitorModule) Health(_ context.Context) (HealthStatus, error) {
	if mo.server == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	return HealthStatus{State: HealthHealthy, Data: map[string]interface{}{"address": mo.server.Addr().String()}}, nil
}

// Addr returns the HTTP address, nil when stopped.
func (mo *MonitorModule) Addr() net.Addr {
	if mo.server == nil {
		return nil
	}
	return mo.server.Addr()
}
