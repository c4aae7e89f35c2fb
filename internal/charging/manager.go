package charging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"amp-controller/internal/dispatch"
	"amp-controller/internal/models"
	"amp-controller/internal/regulation"
	"amp-controller/internal/window"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// StatusSource provides the cached vehicle status as of a given instant.
type StatusSource interface {
	Snapshot(now time.Time) models.VehicleStatus
}

// Reporter receives a summary of every tick. Implementations must not block.
type Reporter interface {
	Report(report models.TickReport)
}

type StateStore interface {
	Save(state models.ControllerState) error
}

type Config struct {
	TickInterval time.Duration
	AliveTimeout time.Duration // warn when the sensor has been silent this long
}

// Manager drives the control loop: it snapshots the inputs, asks the
// regulation engine for a decision and hands commands to the dispatcher.
type Manager struct {
	config Config
	logger *logrus.Logger

	window     *window.Window
	vehicle    StatusSource
	engine     regulation.RegulationService
	dispatcher *dispatch.Dispatcher
	store      StateStore
	reporters  []Reporter

	mutex       sync.RWMutex
	lastReport  models.TickReport
	ticks       int64
	panics      int64
	sensorAlive bool

	now func() time.Time
}

func NewManager(config Config, win *window.Window, vehicle StatusSource, engine regulation.RegulationService,
	dispatcher *dispatch.Dispatcher, logger *logrus.Logger) *Manager {
	return &Manager{
		config:      config,
		logger:      logger,
		window:      win,
		vehicle:     vehicle,
		engine:      engine,
		dispatcher:  dispatcher,
		sensorAlive: true,
		now:         time.Now,
	}
}

func (m *Manager) AddReporter(reporter Reporter) {
	m.reporters = append(m.reporters, reporter)
}

// SetStateStore enables persisting the controller state after every sent command.
func (m *Manager) SetStateStore(store StateStore) {
	m.store = store
}

func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.TickInterval)
	defer ticker.Stop()

	m.logger.Infof("Starting charging manager (tick %s, engine %s)", m.config.TickInterval, m.engine.GetName())

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Stopping charging manager")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one control cycle. A panic inside the cycle is logged and the
// loop carries on with the next tick.
func (m *Manager) Tick(ctx context.Context) (report models.TickReport) {
	defer func() {
		if r := recover(); r != nil {
			m.mutex.Lock()
			m.panics++
			m.mutex.Unlock()
			m.logger.Errorf("Charging manager: tick panicked: %v", r)
			report = models.TickReport{
				ID:      uuid.NewString(),
				At:      m.now(),
				Outcome: "panic",
				Reason:  fmt.Sprint(r),
			}
		}
	}()
	return m.tick(ctx)
}

func (m *Manager) tick(ctx context.Context) models.TickReport {
	now := m.now()
	m.checkSensor(now)

	load, loadErr := m.window.SmoothedLoad(now)
	input := regulation.RegulationInput{
		Timestamp:  now,
		Load:       load,
		LoadErr:    loadErr,
		Vehicle:    m.vehicle.Snapshot(now),
		Controller: m.dispatcher.Snapshot(),
	}
	output := m.engine.Calculate(input)

	report := models.TickReport{
		ID:         uuid.NewString(),
		At:         now,
		State:      output.State,
		Budget:     output.Budget,
		TargetAmps: output.TargetAmps,
		Outcome:    "none",
		Reason:     output.Reason,
		LoadAmps:   load.Amps,
		Samples:    load.Samples,
	}

	if cmd, ok := m.command(output); ok {
		result := m.dispatcher.Dispatch(ctx, now, cmd)
		report.Outcome = string(result.Outcome)
		report.Commanded = result.Outcome == dispatch.OutcomeSent
		if result.Err != nil {
			report.Reason = fmt.Sprintf("%s; %v", report.Reason, result.Err)
		}
		if report.Commanded {
			m.persist()
		}
	}

	m.logger.Debugf("Tick: state=%s load=%.1fA available=%.1fA target=%dA outcome=%s (%s)",
		report.State, report.LoadAmps, report.Budget.AvailableAmps, report.TargetAmps, report.Outcome, report.Reason)

	m.mutex.Lock()
	m.lastReport = report
	m.ticks++
	m.mutex.Unlock()

	for _, reporter := range m.reporters {
		reporter.Report(report)
	}
	return report
}

// command turns a decision into a dispatcher command. A command held back
// by the dispatcher is retried with the current target while regulating.
func (m *Manager) command(output regulation.RegulationOutput) (dispatch.Command, bool) {
	if output.Dispatch {
		return dispatch.Command{Amps: output.TargetAmps, Force: output.Force}, true
	}
	switch output.State {
	case models.StateRegulating:
		if pending, ok := m.dispatcher.Pending(); ok {
			return dispatch.Command{Amps: output.TargetAmps, Force: pending.Force}, true
		}
	case models.StateIdle:
		m.dispatcher.ClearPending()
	}
	return dispatch.Command{}, false
}

func (m *Manager) persist() {
	if m.store == nil {
		return
	}
	if err := m.store.Save(m.dispatcher.Snapshot()); err != nil {
		m.logger.Warnf("Failed to persist controller state: %v", err)
	}
}

func (m *Manager) checkSensor(now time.Time) {
	if m.config.AliveTimeout <= 0 {
		return
	}
	newest, ok := m.window.Newest()
	alive := ok && now.Sub(newest) <= m.config.AliveTimeout

	m.mutex.Lock()
	changed := alive != m.sensorAlive
	m.sensorAlive = alive
	m.mutex.Unlock()

	if !changed {
		return
	}
	if alive {
		m.logger.Info("Circuit sensor readings resumed")
	} else {
		m.logger.Warnf("No circuit sensor reading in the last %s", m.config.AliveTimeout)
	}
}

func (m *Manager) LastReport() models.TickReport {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.lastReport
}

func (m *Manager) GetStatus() map[string]interface{} {
	m.mutex.RLock()
	status := map[string]interface{}{
		"ticks":        m.ticks,
		"panics":       m.panics,
		"sensor_alive": m.sensorAlive,
		"last_tick":    m.lastReport,
	}
	m.mutex.RUnlock()

	status["window_samples"] = m.window.Len()
	status["clamped_readings"] = m.window.Clamped()
	status["engine"] = m.engine.GetStatus()
	status["dispatcher"] = m.dispatcher.GetStatus()
	status["vehicle"] = m.vehicle.Snapshot(m.now())
	return status
}
