package regulation

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"amp-controller/internal/budget"
	"amp-controller/internal/models"
	"amp-controller/internal/vehicle"
	"amp-controller/internal/window"

	"github.com/sirupsen/logrus"
)

// EngineConfig holds the safety envelope of the decision engine.
type EngineConfig struct {
	CapacityAmps       float64 // site limit of the circuit (A)
	MinAmps            int     // lowest current the charger accepts (A)
	MaxAmps            int     // highest current we ever command (A)
	FailSafeAmps       int     // floor used when inputs cannot be trusted (A)
	HysteresisAmps     int     // dead band around the last command (A)
	FailureThreshold   int     // consecutive dispatch failures before FailSafe
	ExcludeVehicleLoad bool    // the sensor also measures the charger
	FollowOverrides    bool    // resend when the vehicle reports a foreign setpoint
}

// Engine is the Idle / Regulating / FailSafe state machine.
type Engine struct {
	config    EngineConfig
	estimator *budget.Estimator
	logger    *logrus.Logger
	mutex     sync.RWMutex

	state       models.State
	lastOutput  RegulationOutput
	transitions int64
	decisions   int64
	ack         acknowledgement
}

// acknowledgement is the setpoint the vehicle first reported after a
// command. Only a later departure from it counts as an override, so a
// vehicle that caps or rounds our value is not chased forever.
type acknowledgement struct {
	commandAt time.Time
	requested int
}

func NewEngine(config EngineConfig, estimator *budget.Estimator, logger *logrus.Logger) *Engine {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	return &Engine{
		config:    config,
		estimator: estimator,
		logger:    logger,
		state:     models.StateFailSafe,
	}
}

func (e *Engine) GetName() string {
	return "Hysteresis State Machine"
}

func (e *Engine) State() models.State {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.state
}

func (e *Engine) Calculate(input RegulationInput) RegulationOutput {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	previous := e.state
	var output RegulationOutput

	if reason, failSafe := e.failSafeReason(input); failSafe {
		output = e.calculateFailSafe(input, previous, reason)
	} else if !input.Vehicle.IsActive() {
		output = e.calculateIdle(input)
	} else {
		output = e.calculateRegulating(input, previous)
	}

	output.PreviousState = previous
	if output.State != previous {
		e.transitions++
		e.logger.Infof("Engine: %s -> %s (%s)", previous, output.State, output.Reason)
	}
	e.state = output.State
	e.lastOutput = output
	e.decisions++

	return output
}

func (e *Engine) failSafeReason(input RegulationInput) (string, bool) {
	switch {
	case input.Vehicle.Stale:
		return vehicle.ErrStaleStatus.Error(), true
	case errors.Is(input.LoadErr, window.ErrInsufficientData):
		return fmt.Sprintf("%s (%d samples)", window.ErrInsufficientData, input.Load.Samples), true
	case input.LoadErr != nil:
		return fmt.Sprintf("load unavailable: %v", input.LoadErr), true
	case input.Controller.ConsecutiveFailures >= e.config.FailureThreshold:
		return fmt.Sprintf("%d consecutive command failures", input.Controller.ConsecutiveFailures), true
	}
	return "", false
}

func (e *Engine) calculateFailSafe(input RegulationInput, previous models.State, reason string) RegulationOutput {
	floor := e.config.FailSafeAmps
	last := input.Controller.LastCommandedAmps
	entering := previous != models.StateFailSafe

	return RegulationOutput{
		State:      models.StateFailSafe,
		TargetAmps: floor,
		// the floor must be in effect; retry until it is
		Dispatch: entering || last != floor || input.Controller.ConsecutiveFailures > 0,
		Force:    entering || input.Controller.ConsecutiveFailures > 0,
		Reason:   "fail-safe: " + reason,
		DebugInfo: map[string]interface{}{
			"floor":          floor,
			"last_commanded": last,
			"entering":       entering,
			"failures":       input.Controller.ConsecutiveFailures,
		},
	}
}

func (e *Engine) calculateIdle(input RegulationInput) RegulationOutput {
	reason := "vehicle not present"
	if input.Vehicle.Present {
		reason = "vehicle not charging"
	}
	return RegulationOutput{
		State:      models.StateIdle,
		TargetAmps: input.Controller.LastCommandedAmps,
		Reason:     reason,
		DebugInfo: map[string]interface{}{
			"present":  input.Vehicle.Present,
			"charging": input.Vehicle.Charging,
		},
	}
}

func (e *Engine) calculateRegulating(input RegulationInput, previous models.State) RegulationOutput {
	load := input.Load
	if e.config.ExcludeVehicleLoad {
		load = e.estimator.HouseholdLoad(load, input.Vehicle.CurrentAmps)
	}
	b := e.estimator.Estimate(e.config.CapacityAmps, load, input.Timestamp)
	target := e.targetAmps(b.AvailableAmps)

	last := input.Controller.LastCommandedAmps
	delta := target - last
	entering := previous != models.StateRegulating
	override := e.overridden(input)

	output := RegulationOutput{
		State:      models.StateRegulating,
		Budget:     b,
		TargetAmps: target,
		DebugInfo: map[string]interface{}{
			"load_amps":      load.Amps,
			"available_amps": b.AvailableAmps,
			"voltage":        b.Voltage,
			"last_commanded": last,
			"delta":          delta,
			"requested_amps": input.Vehicle.RequestedAmps,
		},
	}

	switch {
	case entering:
		output.Dispatch, output.Force = true, true
		output.Reason = fmt.Sprintf("entering regulation at %dA", target)
	case input.Controller.ConsecutiveFailures > 0:
		output.Dispatch, output.Force = true, true
		output.Reason = fmt.Sprintf("retrying %dA after %d failure(s)", target, input.Controller.ConsecutiveFailures)
	case override:
		output.Dispatch, output.Force = true, true
		output.Reason = fmt.Sprintf("vehicle reports %dA, restoring %dA", input.Vehicle.RequestedAmps, target)
	case delta < 0:
		// never stay above budget, whatever the band
		output.Dispatch = true
		output.Reason = fmt.Sprintf("budget dropped: %dA -> %dA", last, target)
	case delta > e.config.HysteresisAmps:
		output.Dispatch = true
		output.Reason = fmt.Sprintf("budget rose: %dA -> %dA", last, target)
	default:
		output.Reason = fmt.Sprintf("within %dA band of %dA", e.config.HysteresisAmps, last)
	}

	e.logger.Debugf("Engine: load=%.1fA available=%.1fA target=%dA last=%dA dispatch=%v",
		load.Amps, b.AvailableAmps, target, last, output.Dispatch)

	return output
}

// overridden reports whether the vehicle's requested current was changed
// by someone else since it acknowledged our last command.
func (e *Engine) overridden(input RegulationInput) bool {
	if !e.config.FollowOverrides {
		return false
	}
	v, c := input.Vehicle, input.Controller
	if !v.LastUpdated.After(c.LastCommandAt) {
		return false
	}
	if !e.ack.commandAt.Equal(c.LastCommandAt) {
		e.ack = acknowledgement{commandAt: c.LastCommandAt, requested: v.RequestedAmps}
		if v.RequestedAmps != c.LastCommandedAmps {
			e.logger.Infof("Vehicle settled on %dA after we commanded %dA", v.RequestedAmps, c.LastCommandedAmps)
		}
		return false
	}
	return v.RequestedAmps != e.ack.requested && v.RequestedAmps != c.LastCommandedAmps
}

// targetAmps floors the budget to a whole amp and clamps it to the envelope.
// A budget below the charger's minimum yields the fail-safe floor.
func (e *Engine) targetAmps(available float64) int {
	if math.IsNaN(available) || available <= 0 {
		return e.config.FailSafeAmps
	}
	whole := int(math.Floor(available))
	if whole < e.config.MinAmps || whole == 0 {
		return e.config.FailSafeAmps
	}
	if whole > e.config.MaxAmps {
		return e.config.MaxAmps
	}
	return whole
}

func (e *Engine) Reset() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.state = models.StateFailSafe
	e.lastOutput = RegulationOutput{}
	e.ack = acknowledgement{}
	e.logger.Info("Engine reset to fail-safe")
}

func (e *Engine) GetStatus() map[string]interface{} {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return map[string]interface{}{
		"name":        e.GetName(),
		"config":      e.config,
		"state":       e.state,
		"target_amps": e.lastOutput.TargetAmps,
		"reason":      e.lastOutput.Reason,
		"transitions": e.transitions,
		"decisions":   e.decisions,
	}
}
