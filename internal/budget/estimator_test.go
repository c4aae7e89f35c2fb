package budget

import (
	"testing"
	"time"

	"amp-controller/internal/window"

	"github.com/stretchr/testify/assert"
)

func TestEstimate_CapacityMinusLoad(t *testing.T) {
	e := NewEstimator(Config{NominalVoltage: 230, SafetyFactor: 1})
	at := time.Now()

	b := e.Estimate(32, window.Load{Amps: 5, Volts: 240}, at)

	assert.InDelta(t, 27.0, b.AvailableAmps, 1e-9)
	assert.InDelta(t, 27.0*240, b.AvailableWatts, 1e-9)
	assert.Equal(t, 240.0, b.Voltage)
	assert.Equal(t, at, b.ComputedAt)
}

func TestEstimate_NeverNegative(t *testing.T) {
	e := NewEstimator(Config{NominalVoltage: 230, SafetyFactor: 1})

	b := e.Estimate(20, window.Load{Amps: 35}, time.Now())

	assert.Equal(t, 0.0, b.AvailableAmps)
	assert.Equal(t, 0.0, b.AvailableWatts)
}

func TestEstimate_NominalVoltageFallback(t *testing.T) {
	e := NewEstimator(Config{NominalVoltage: 220, SafetyFactor: 1})

	b := e.Estimate(20, window.Load{Amps: 10, Volts: 0}, time.Now())

	assert.Equal(t, 220.0, b.Voltage)
	assert.InDelta(t, 2200.0, b.AvailableWatts, 1e-9)
}

func TestEstimate_WattsOnlyLoad(t *testing.T) {
	e := NewEstimator(Config{NominalVoltage: 230, SafetyFactor: 1})

	b := e.Estimate(20, window.Load{Watts: 2300}, time.Now())

	assert.InDelta(t, 10.0, b.AvailableAmps, 1e-9)
}

func TestEstimate_SafetyFactor(t *testing.T) {
	e := NewEstimator(Config{NominalVoltage: 230, SafetyFactor: 0.95})

	b := e.Estimate(40, window.Load{Amps: 10}, time.Now())

	assert.InDelta(t, 28.0, b.AvailableAmps, 1e-9)
}

func TestEstimate_Monotonic(t *testing.T) {
	e := NewEstimator(Config{NominalVoltage: 230, SafetyFactor: 1})
	at := time.Now()

	for _, capacity := range []float64{6, 16, 20, 32, 63} {
		prev := e.Estimate(capacity, window.Load{Amps: 0}, at).AvailableAmps
		for load := 0.5; load <= 80; load += 0.5 {
			cur := e.Estimate(capacity, window.Load{Amps: load}, at).AvailableAmps
			assert.GreaterOrEqual(t, cur, 0.0)
			assert.LessOrEqual(t, cur, prev, "capacity=%v load=%v", capacity, load)
			prev = cur
		}
	}

	for load := 0.0; load <= 40; load += 4 {
		prev := e.Estimate(0, window.Load{Amps: load}, at).AvailableAmps
		for capacity := 1.0; capacity <= 80; capacity++ {
			cur := e.Estimate(capacity, window.Load{Amps: load}, at).AvailableAmps
			assert.GreaterOrEqual(t, cur, prev, "capacity=%v load=%v", capacity, load)
			prev = cur
		}
	}
}

func TestHouseholdLoad_SubtractsVehicle(t *testing.T) {
	e := NewEstimator(Config{NominalVoltage: 230, SafetyFactor: 1})

	load := e.HouseholdLoad(window.Load{Amps: 20, Watts: 4600, Volts: 230}, 16)
	assert.InDelta(t, 4.0, load.Amps, 1e-9)
	assert.InDelta(t, 920.0, load.Watts, 1e-9)

	load = e.HouseholdLoad(window.Load{Amps: 10, Watts: 2300, Volts: 230}, 16)
	assert.Equal(t, 0.0, load.Amps)
	assert.Equal(t, 0.0, load.Watts)

	unchanged := window.Load{Amps: 10, Watts: 2300}
	assert.Equal(t, unchanged, e.HouseholdLoad(unchanged, 0))
}
