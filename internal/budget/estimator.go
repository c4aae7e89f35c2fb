package budget

import (
	"math"
	"time"

	"amp-controller/internal/models"
	"amp-controller/internal/window"
)

type Config struct {
	NominalVoltage float64 // used when the sensor reports no voltage
	SafetyFactor   float64 // fraction of the rated capacity we allow ourselves to use
}

type Estimator struct {
	config Config
}

func NewEstimator(config Config) *Estimator {
	if config.NominalVoltage <= 0 {
		config.NominalVoltage = 230.0
	}
	if config.SafetyFactor <= 0 || config.SafetyFactor > 1 {
		config.SafetyFactor = 1.0
	}
	return &Estimator{config: config}
}

// Voltage picks the observed voltage, falling back to the nominal one.
func (e *Estimator) Voltage(observed float64) float64 {
	if observed > 0 && !math.IsNaN(observed) && !math.IsInf(observed, 0) {
		return observed
	}
	return e.config.NominalVoltage
}

// Estimate returns the headroom between capacityAmps and the smoothed load.
// The result is never negative.
func (e *Estimator) Estimate(capacityAmps float64, load window.Load, at time.Time) models.CircuitBudget {
	voltage := e.Voltage(load.Volts)

	loadAmps := load.Amps
	if loadAmps == 0 && load.Watts != 0 {
		loadAmps = load.Watts / voltage
	}

	available := capacityAmps*e.config.SafetyFactor - loadAmps
	if available < 0 || math.IsNaN(available) {
		available = 0
	}

	return models.CircuitBudget{
		AvailableAmps:  available,
		AvailableWatts: available * voltage,
		Voltage:        voltage,
		ComputedAt:     at,
	}
}

// HouseholdLoad removes the vehicle's own draw from a load measured upstream
// of the charger. The result is floored at zero.
func (e *Estimator) HouseholdLoad(load window.Load, vehicleAmps float64) window.Load {
	if vehicleAmps <= 0 {
		return load
	}
	voltage := e.Voltage(load.Volts)
	adjusted := load
	if adjusted.Amps == 0 && adjusted.Watts != 0 {
		adjusted.Amps = adjusted.Watts / voltage
	}
	adjusted.Amps = math.Max(0, adjusted.Amps-vehicleAmps)
	adjusted.Watts = math.Max(0, adjusted.Watts-vehicleAmps*voltage)
	return adjusted
}
