package models

import (
	"time"
)

// Reading is a single sample from the circuit sensor.
type Reading struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Amps      float64   `json:"amps" yaml:"amps"`
	Volts     float64   `json:"volts" yaml:"volts"`
	Watts     float64   `json:"watts" yaml:"watts"`
}

// CircuitBudget is the headroom left on the circuit after household load.
// It is recomputed every tick and never persisted.
type CircuitBudget struct {
	AvailableAmps  float64   `json:"available_amps"`
	AvailableWatts float64   `json:"available_watts"`
	Voltage        float64   `json:"voltage"`
	ComputedAt     time.Time `json:"computed_at"`
}

// VehicleStatus is the last known state of the vehicle as reported by its API.
type VehicleStatus struct {
	Present       bool      `json:"present"`
	Charging      bool      `json:"charging"`
	CurrentAmps   float64   `json:"current_amps"`
	RequestedAmps int       `json:"requested_amps"`
	LastUpdated   time.Time `json:"last_updated"`
	Stale         bool      `json:"stale"`
}

func (vs VehicleStatus) IsActive() bool {
	return vs.Present && vs.Charging
}

// ControllerState is the only state carried from one tick to the next.
type ControllerState struct {
	LastCommandedAmps   int       `json:"last_commanded_amps" yaml:"last_commanded_amps"`
	LastCommandAt       time.Time `json:"last_command_at" yaml:"last_command_at"`
	ConsecutiveFailures int       `json:"consecutive_failures" yaml:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty" yaml:"last_failure_at,omitempty"`
}

type State string

const (
	StateIdle       State = "idle"
	StateRegulating State = "regulating"
	StateFailSafe   State = "failsafe"
)

// TickReport summarizes one controller tick for logs, metrics and streams.
type TickReport struct {
	ID         string        `json:"id"`
	At         time.Time     `json:"at"`
	State      State         `json:"state"`
	Budget     CircuitBudget `json:"budget"`
	TargetAmps int           `json:"target_amps"`
	Commanded  bool          `json:"commanded"`
	Outcome    string        `json:"outcome"`
	Reason     string        `json:"reason"`
	LoadAmps   float64       `json:"load_amps"`
	Samples    int           `json:"samples"`
}
