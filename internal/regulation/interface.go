package regulation

import (
	"time"

	"amp-controller/internal/models"
	"amp-controller/internal/window"
)

// RegulationInput is the immutable snapshot a tick decides on.
type RegulationInput struct {
	Timestamp  time.Time
	Load       window.Load
	LoadErr    error // window.ErrInsufficientData when the window is too thin
	Vehicle    models.VehicleStatus
	Controller models.ControllerState
}

// RegulationOutput is the decision for one tick.
type RegulationOutput struct {
	State         models.State
	PreviousState models.State
	Budget        models.CircuitBudget
	TargetAmps    int
	Dispatch      bool // a command must be sent this tick
	Force         bool // bypass the dispatcher's same-value no-op
	Reason        string
	DebugInfo     map[string]interface{}
}

// RegulationService decides the charge current from load and vehicle state.
type RegulationService interface {
	Calculate(input RegulationInput) RegulationOutput

	// Reset returns the service to its cold-start state.
	Reset()

	GetName() string

	// GetStatus exposes internal state for monitoring.
	GetStatus() map[string]interface{}
}
