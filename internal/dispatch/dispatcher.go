// Package dispatch sends charge-current commands to the vehicle with rate
// limiting, bounded calls and exponential backoff after failures.
package dispatch

import (
	"context"
	"sync"
	"time"

	"amp-controller/internal/models"
	"amp-controller/internal/vehicle"

	"github.com/sirupsen/logrus"
)

type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeNoop     Outcome = "noop"
	OutcomeDeferred Outcome = "deferred"
	OutcomeBackoff  Outcome = "backoff"
	OutcomeFailed   Outcome = "failed"
)

type Command struct {
	Amps  int
	Force bool
}

type Result struct {
	Outcome Outcome
	Amps    int
	Err     error
	// RetryAt is set for deferred and backoff outcomes.
	RetryAt time.Time
}

type Config struct {
	MinCommandInterval time.Duration // minimum spacing between increases
	RetryBase          time.Duration
	RetryMax           time.Duration
	Timeout            time.Duration // bound on a single vehicle call
}

// Dispatcher owns the ControllerState. It is committed only after a call
// has resolved, and at most one call is in flight at a time.
type Dispatcher struct {
	api    vehicle.API
	config Config
	logger *logrus.Logger

	sendMu sync.Mutex // serialises Dispatch calls

	mutex    sync.Mutex // guards the fields below, never held across a vehicle call
	state    models.ControllerState
	pending  *Command
	inFlight *Command

	stats struct {
		sent, failed, deferred int64
	}
}

func NewDispatcher(api vehicle.API, config Config, logger *logrus.Logger) *Dispatcher {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RetryMax < config.RetryBase {
		config.RetryMax = config.RetryBase
	}
	return &Dispatcher{
		api:    api,
		config: config,
		logger: logger,
	}
}

// Backoff returns the wait imposed after n consecutive failures.
func (d *Dispatcher) Backoff(failures int) time.Duration {
	if failures <= 0 || d.config.RetryBase <= 0 {
		return 0
	}
	wait := d.config.RetryBase
	for i := 1; i < failures; i++ {
		wait *= 2
		if wait >= d.config.RetryMax {
			return d.config.RetryMax
		}
	}
	return min(wait, d.config.RetryMax)
}

func (d *Dispatcher) Dispatch(ctx context.Context, now time.Time, cmd Command) Result {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	if result, send := d.admit(now, cmd); !send {
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	err := vehicle.Classify(callCtx, d.api.SetChargeAmps(callCtx, cmd.Amps))
	cancel()

	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.inFlight = nil

	if err != nil {
		d.state.ConsecutiveFailures++
		d.state.LastFailureAt = now
		d.stats.failed++
		d.hold(cmd)
		d.logger.Warnf("Dispatcher: setting %dA failed (%d consecutive): %v",
			cmd.Amps, d.state.ConsecutiveFailures, err)
		return Result{Outcome: OutcomeFailed, Amps: cmd.Amps, Err: err}
	}

	d.state.LastCommandedAmps = cmd.Amps
	d.state.LastCommandAt = now
	d.state.ConsecutiveFailures = 0
	d.state.LastFailureAt = time.Time{}
	d.pending = nil
	d.stats.sent++
	d.logger.Infof("Dispatcher: charge current set to %dA", cmd.Amps)
	return Result{Outcome: OutcomeSent, Amps: cmd.Amps}
}

// admit applies the no-op, backoff and rate-limit rules. When the command
// may go out it is marked in flight and send is true.
func (d *Dispatcher) admit(now time.Time, cmd Command) (result Result, send bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	st := d.state
	sinceCommand := now.Sub(st.LastCommandAt)

	if !cmd.Force && st.ConsecutiveFailures == 0 && cmd.Amps == st.LastCommandedAmps &&
		!st.LastCommandAt.IsZero() && sinceCommand < d.config.MinCommandInterval {
		d.pending = nil
		return Result{Outcome: OutcomeNoop, Amps: cmd.Amps}, false
	}

	if st.ConsecutiveFailures > 0 {
		retryAt := st.LastFailureAt.Add(d.Backoff(st.ConsecutiveFailures))
		if now.Before(retryAt) {
			d.hold(cmd)
			d.logger.Debugf("Dispatcher: %dA held back until %s (%d failures)",
				cmd.Amps, retryAt.Format(time.RFC3339), st.ConsecutiveFailures)
			return Result{Outcome: OutcomeBackoff, Amps: cmd.Amps, RetryAt: retryAt}, false
		}
	}

	if cmd.Amps > st.LastCommandedAmps && !st.LastCommandAt.IsZero() && sinceCommand < d.config.MinCommandInterval {
		retryAt := st.LastCommandAt.Add(d.config.MinCommandInterval)
		d.hold(cmd)
		d.logger.Debugf("Dispatcher: increase to %dA deferred until %s", cmd.Amps, retryAt.Format(time.RFC3339))
		return Result{Outcome: OutcomeDeferred, Amps: cmd.Amps, RetryAt: retryAt}, false
	}

	d.inFlight = &cmd
	return Result{}, true
}

func (d *Dispatcher) hold(cmd Command) {
	if d.pending != nil && d.pending.Force {
		cmd.Force = true
	}
	d.pending = &cmd
	d.stats.deferred++
}

// Pending reports a command that was held back and still has to go out.
// Only the latest target matters, so callers resend with their current value.
func (d *Dispatcher) Pending() (Command, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.pending == nil {
		return Command{}, false
	}
	return *d.pending, true
}

func (d *Dispatcher) ClearPending() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.pending = nil
}

func (d *Dispatcher) Snapshot() models.ControllerState {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.state
}

// Restore seeds the controller state, typically from the state file at boot.
func (d *Dispatcher) Restore(state models.ControllerState) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.state = state
	d.logger.Infof("Dispatcher: restored last command %dA at %s",
		state.LastCommandedAmps, state.LastCommandAt.Format(time.RFC3339))
}

func (d *Dispatcher) GetStatus() map[string]interface{} {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	status := map[string]interface{}{
		"last_commanded_amps":  d.state.LastCommandedAmps,
		"last_command_at":      d.state.LastCommandAt,
		"consecutive_failures": d.state.ConsecutiveFailures,
		"commands_sent":        d.stats.sent,
		"commands_failed":      d.stats.failed,
		"commands_deferred":    d.stats.deferred,
	}
	if d.pending != nil {
		status["pending_amps"] = d.pending.Amps
	}
	if d.inFlight != nil {
		status["in_flight_amps"] = d.inFlight.Amps
	}
	return status
}
