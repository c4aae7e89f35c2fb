// Command engine-sim drives the decision engine and dispatcher from stdin
// against a simulated vehicle, one tick per line.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"amp-controller/internal/budget"
	"amp-controller/internal/charging"
	"amp-controller/internal/dispatch"
	"amp-controller/internal/models"
	"amp-controller/internal/regulation"
	"amp-controller/internal/vehicle"
	"amp-controller/internal/vehicle/vehicletest"
	"amp-controller/internal/window"

	"github.com/sirupsen/logrus"
)

// simVehicle is a StatusSource whose freshness is toggled by hand.
type simVehicle struct {
	api   *vehicletest.FakeAPI
	stale bool
}

func (v *simVehicle) Snapshot(now time.Time) models.VehicleStatus {
	status := v.api.Status
	return models.VehicleStatus{
		Present:       status.Present,
		Charging:      status.Charging,
		CurrentAmps:   status.CurrentAmps,
		RequestedAmps: status.RequestedAmps,
		LastUpdated:   now,
		Stale:         v.stale,
	}
}

func main() {
	capacity := flag.Float64("capacity", 32, "Circuit capacity (A)")
	maxAmps := flag.Int("max", 32, "Maximum commanded current (A)")
	band := flag.Int("band", 1, "Hysteresis band (A)")
	verbose := flag.Bool("v", false, "Show controller logs")
	flag.Parse()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	api := &vehicletest.FakeAPI{Status: vehicle.Status{Present: true, Charging: true}}
	car := &simVehicle{api: api}
	samples := window.New(time.Minute, 1)
	engine := regulation.NewEngine(regulation.EngineConfig{
		CapacityAmps:     *capacity,
		MaxAmps:          *maxAmps,
		HysteresisAmps:   *band,
		FailureThreshold: 3,
	}, budget.NewEstimator(budget.Config{}), logger)
	dispatcher := dispatch.NewDispatcher(api, dispatch.Config{Timeout: time.Second}, logger)
	manager := charging.NewManager(charging.Config{TickInterval: time.Second}, samples, car, engine, dispatcher, logger)

	fmt.Println("Each line is one tick. Commands:")
	fmt.Println("  <amps>   household load for this tick")
	fmt.Println("  idle | charge | stale | fresh | fail | status | quit")

	scanner := bufio.NewScanner(os.Stdin)
	ctx := context.Background()
	for {
		fmt.Printf("[%s | last %dA] > ", engine.State(), dispatcher.Snapshot().LastCommandedAmps)
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "quit", "q":
			return
		case "idle":
			api.Status.Charging = false
			continue
		case "charge":
			api.Status.Charging = true
			continue
		case "stale":
			car.stale = true
			continue
		case "fresh":
			car.stale = false
			continue
		case "fail":
			api.QueueSetErrors(vehicle.ErrAPIUnavailable)
			continue
		case "status":
			fmt.Printf("%+v\n", manager.GetStatus())
			continue
		}

		amps, err := strconv.ParseFloat(line, 64)
		if err != nil {
			fmt.Println("unknown command")
			continue
		}
		samples.Record(models.Reading{Timestamp: time.Now(), Amps: amps})
		report := manager.Tick(ctx)
		fmt.Printf("  %s target=%dA available=%.1fA outcome=%s (%s)\n",
			report.State, report.TargetAmps, report.Budget.AvailableAmps, report.Outcome, report.Reason)
	}
}
