package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"amp-controller/internal/api"
	"amp-controller/internal/budget"
	"amp-controller/internal/charging"
	"amp-controller/internal/config"
	"amp-controller/internal/dispatch"
	"amp-controller/internal/models"
	"amp-controller/internal/mqtt"
	"amp-controller/internal/observability"
	"amp-controller/internal/regulation"
	"amp-controller/internal/statefile"
	"amp-controller/internal/store"
	"amp-controller/internal/vehicle"
	"amp-controller/internal/window"

	"github.com/sirupsen/logrus"
)

// readingSink records into the sample window and counts ingested readings.
type readingSink struct {
	window  *window.Window
	metrics *observability.Metrics
}

func (s readingSink) Record(r models.Reading) {
	s.window.Record(r)
	s.metrics.ReadingReceived()
}

func runController() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	ctl := cfg.Controller

	logger.Infof("Starting charge controller: capacity %.1fA, commands in [%d, %d]A, fail-safe %dA",
		ctl.CapacityAmps, ctl.MinAmps, ctl.MaxAmps, ctl.FailSafeAmps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()
	samples := window.New(ctl.Retention, ctl.MinSamples)
	sink := readingSink{window: samples, metrics: metrics}

	tessie, err := newTessieClient(cfg, logger)
	if err != nil {
		return err
	}
	poller := vehicle.NewPoller(tessie, vehicle.PollerConfig{
		Interval:           cfg.Vehicle.PollInterval,
		FreshnessThreshold: cfg.Vehicle.FreshnessThreshold,
		RequestTimeout:     cfg.Vehicle.RequestTimeout,
	}, logger)
	poller.SetUpdateCallback(metrics.VehicleUpdated)

	estimator := budget.NewEstimator(budget.Config{
		NominalVoltage: ctl.NominalVoltage,
		SafetyFactor:   ctl.SafetyFactor,
	})
	engine := regulation.NewEngine(regulation.EngineConfig{
		CapacityAmps:       ctl.CapacityAmps,
		MinAmps:            ctl.MinAmps,
		MaxAmps:            ctl.MaxAmps,
		FailSafeAmps:       ctl.FailSafeAmps,
		HysteresisAmps:     ctl.HysteresisAmps,
		FailureThreshold:   ctl.FailureThreshold,
		ExcludeVehicleLoad: ctl.ExcludeVehicleLoad,
		FollowOverrides:    ctl.FollowOverrides,
	}, estimator, logger)

	dispatcher := dispatch.NewDispatcher(tessie, dispatch.Config{
		MinCommandInterval: ctl.MinCommandInterval,
		RetryBase:          ctl.RetryBase,
		RetryMax:           ctl.RetryMax,
		Timeout:            cfg.Vehicle.RequestTimeout,
	}, logger)

	manager := charging.NewManager(charging.Config{
		TickInterval: ctl.TickInterval,
		AliveTimeout: ctl.AliveTimeout,
	}, samples, poller, engine, dispatcher, logger)

	if ctl.StateFile != "" {
		stateStore := statefile.New(ctl.StateFile)
		state, found, err := stateStore.Load()
		if err != nil {
			logger.Warnf("Ignoring state file: %v", err)
		} else if found {
			dispatcher.Restore(state)
		}
		manager.SetStateStore(stateStore)
	}

	hub := api.NewHub(metrics, logger)
	manager.AddReporter(metrics)
	manager.AddReporter(hub)

	apiServer := api.NewServer(cfg, manager, hub, metrics, logger)
	apiServer.AddComponent("controller", manager)
	apiServer.AddComponent("vehicle", poller)

	var wg sync.WaitGroup

	var mqttClient *mqtt.Client
	if cfg.MQTT.Broker != "" {
		mqttClient, err = mqtt.NewClient(cfg, sink, logger)
		if err != nil {
			return fmt.Errorf("failed to create MQTT client: %w", err)
		}
		manager.AddReporter(mqttClient)
		apiServer.AddComponent("mqtt", mqttClient)
	}

	if cfg.Store.URL != "" {
		storeClient := store.NewClient(store.ClientConfig{URL: cfg.Store.URL, Token: cfg.Store.Token}, nil, logger)
		feeder := store.NewFeeder(storeClient, sink, cfg.Store.PollInterval, cfg.Store.Timeout, logger)
		apiServer.AddComponent("store", feeder)

		wg.Add(1)
		go func() {
			defer wg.Done()
			feeder.Start(ctx)
		}()
	}

	if cfg.MQTT.Broker == "" && cfg.Store.URL == "" {
		logger.Warn("Neither mqtt.broker nor store.url is set: no readings will arrive and the controller will stay in fail-safe")
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kafkaReporter := observability.NewKafkaReporter(
			observability.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), 64, metrics, logger)
		manager.AddReporter(kafkaReporter)

		wg.Add(1)
		go func() {
			defer wg.Done()
			kafkaReporter.Start(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(ctx); err != nil {
			logger.Errorf("Status API error: %v", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		manager.Start(ctx)
	}()

	if mqttClient != nil {
		if err := mqttClient.Connect(); err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("failed to connect to MQTT: %w", err)
		}
		defer mqttClient.Disconnect()
	}

	logger.Info("All services started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Shutting down...")
	cancel()

	wg.Wait()
	logger.Info("Shutdown complete")
	return nil
}

func newTessieClient(cfg *config.Config, logger *logrus.Logger) (*vehicle.TessieClient, error) {
	var location *vehicle.LatLon
	if cfg.Vehicle.ChargerLocation != "" {
		parsed, err := vehicle.ParseLatLon(cfg.Vehicle.ChargerLocation)
		if err != nil {
			return nil, &config.ConfigurationError{Field: "vehicle.charger_location", Reason: err.Error()}
		}
		location = &parsed
	}
	if cfg.Vehicle.VIN == "" || cfg.Vehicle.Token == "" {
		logger.Warn("vehicle.vin or vehicle.token is empty: vehicle status will stay stale")
	}

	return vehicle.NewTessieClient(vehicle.TessieConfig{
		BaseURL:          cfg.Vehicle.BaseURL,
		VIN:              cfg.Vehicle.VIN,
		Token:            cfg.Vehicle.Token,
		ChargerLocation:  location,
		PresenceRadiusKm: cfg.Vehicle.PresenceRadiusKm,
	}, &http.Client{Timeout: cfg.Vehicle.RequestTimeout}, logger), nil
}
