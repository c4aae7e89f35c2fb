package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Store      StoreConfig      `mapstructure:"store"`
	Vehicle    VehicleConfig    `mapstructure:"vehicle"`
	Controller ControllerConfig `mapstructure:"controller"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topics   Topics `mapstructure:"topics"`
}

type Topics struct {
	Readings string `mapstructure:"readings"`
	Report   string `mapstructure:"report"`
}

// StoreConfig points at the telemetry backend that keeps the raw readings.
// An empty URL disables the pull feeder (readings then only come over MQTT).
type StoreConfig struct {
	URL          string        `mapstructure:"url"`
	Token        string        `mapstructure:"token"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type VehicleConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	VIN                string        `mapstructure:"vin"`
	Token              string        `mapstructure:"token"`
	ChargerLocation    string        `mapstructure:"charger_location"`
	PresenceRadiusKm   float64       `mapstructure:"presence_radius_km"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	FreshnessThreshold time.Duration `mapstructure:"freshness_threshold"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
}

type ControllerConfig struct {
	CapacityAmps       float64       `mapstructure:"capacity_amps"`
	MinAmps            int           `mapstructure:"min_amps"`
	MaxAmps            int           `mapstructure:"max_amps"`
	FailSafeAmps       int           `mapstructure:"fail_safe_amps"`
	HysteresisAmps     int           `mapstructure:"hysteresis_amps"`
	NominalVoltage     float64       `mapstructure:"nominal_voltage"`
	SafetyFactor       float64       `mapstructure:"safety_factor"`
	ExcludeVehicleLoad bool          `mapstructure:"exclude_vehicle_load"`
	FollowOverrides    bool          `mapstructure:"follow_overrides"`
	Retention          time.Duration `mapstructure:"retention"`
	MinSamples         int           `mapstructure:"min_samples"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	MinCommandInterval time.Duration `mapstructure:"min_command_interval"`
	FailureThreshold   int           `mapstructure:"failure_threshold"`
	RetryBase          time.Duration `mapstructure:"retry_base"`
	RetryMax           time.Duration `mapstructure:"retry_max"`
	AliveTimeout       time.Duration `mapstructure:"alive_timeout"`
	StateFile          string        `mapstructure:"state_file"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ConfigurationError is returned when the safety envelope is invalid. The
// controller must not start with one.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("log.level", "info")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "amp-controller")
	v.SetDefault("mqtt.topics.readings", "energy/circuit/readings")
	v.SetDefault("mqtt.topics.report", "energy/charge/controller")

	v.SetDefault("store.url", "")
	v.SetDefault("store.token", "")
	v.SetDefault("store.poll_interval", 10*time.Second)
	v.SetDefault("store.timeout", 5*time.Second)

	v.SetDefault("vehicle.base_url", "https://api.tessie.com")
	v.SetDefault("vehicle.vin", "")
	v.SetDefault("vehicle.token", "")
	v.SetDefault("vehicle.charger_location", "")
	v.SetDefault("vehicle.presence_radius_km", 0.1)
	v.SetDefault("vehicle.poll_interval", 30*time.Second)
	v.SetDefault("vehicle.freshness_threshold", 60*time.Second)
	v.SetDefault("vehicle.request_timeout", 10*time.Second)

	v.SetDefault("controller.capacity_amps", 32.0)
	v.SetDefault("controller.min_amps", 0)
	v.SetDefault("controller.max_amps", 32)
	v.SetDefault("controller.fail_safe_amps", 0)
	v.SetDefault("controller.hysteresis_amps", 1)
	v.SetDefault("controller.nominal_voltage", 230.0)
	v.SetDefault("controller.safety_factor", 1.0)
	v.SetDefault("controller.exclude_vehicle_load", false)
	v.SetDefault("controller.follow_overrides", true)
	v.SetDefault("controller.retention", 30*time.Second)
	v.SetDefault("controller.min_samples", 3)
	v.SetDefault("controller.tick_interval", 5*time.Second)
	v.SetDefault("controller.min_command_interval", 30*time.Second)
	v.SetDefault("controller.failure_threshold", 3)
	v.SetDefault("controller.retry_base", 5*time.Second)
	v.SetDefault("controller.retry_max", 2*time.Minute)
	v.SetDefault("controller.alive_timeout", 60*time.Second)
	v.SetDefault("controller.state_file", "")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "charge-controller-ticks")
}

// Load reads config.yaml from the working directory (or ./config), or the
// explicit path when one is given, then applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.MQTT.Broker == "" {
		config.MQTT.Broker = os.Getenv("MQTT_BROKER")
	}
	if config.MQTT.Username == "" {
		config.MQTT.Username = os.Getenv("MQTT_USERNAME")
	}
	if config.MQTT.Password == "" {
		config.MQTT.Password = os.Getenv("MQTT_PASSWORD")
	}
	if config.Vehicle.Token == "" {
		config.Vehicle.Token = os.Getenv("TESSIE_TOKEN")
	}

	return &config, nil
}

// Validate checks the safety envelope and the scheduling parameters.
func (c *Config) Validate() error {
	ctl := c.Controller

	switch {
	case ctl.CapacityAmps <= 0:
		return &ConfigurationError{"controller.capacity_amps", "must be positive"}
	case ctl.MinAmps < 0:
		return &ConfigurationError{"controller.min_amps", "must not be negative"}
	case ctl.MinAmps > ctl.MaxAmps:
		return &ConfigurationError{"controller.min_amps", fmt.Sprintf("%d exceeds max_amps %d", ctl.MinAmps, ctl.MaxAmps)}
	case ctl.FailSafeAmps < ctl.MinAmps || ctl.FailSafeAmps > ctl.MaxAmps:
		return &ConfigurationError{"controller.fail_safe_amps", fmt.Sprintf("%d outside [%d, %d]", ctl.FailSafeAmps, ctl.MinAmps, ctl.MaxAmps)}
	case ctl.HysteresisAmps < 0:
		return &ConfigurationError{"controller.hysteresis_amps", "must not be negative"}
	case ctl.NominalVoltage <= 0:
		return &ConfigurationError{"controller.nominal_voltage", "must be positive"}
	case ctl.SafetyFactor <= 0 || ctl.SafetyFactor > 1:
		return &ConfigurationError{"controller.safety_factor", "must be in (0, 1]"}
	case ctl.Retention <= 0:
		return &ConfigurationError{"controller.retention", "must be positive"}
	case ctl.MinSamples < 1:
		return &ConfigurationError{"controller.min_samples", "must be at least 1"}
	case ctl.TickInterval <= 0:
		return &ConfigurationError{"controller.tick_interval", "must be positive"}
	case ctl.MinCommandInterval < 0:
		return &ConfigurationError{"controller.min_command_interval", "must not be negative"}
	case ctl.FailureThreshold < 1:
		return &ConfigurationError{"controller.failure_threshold", "must be at least 1"}
	case ctl.RetryBase < 0 || ctl.RetryMax < ctl.RetryBase:
		return &ConfigurationError{"controller.retry_max", "must be >= retry_base >= 0"}
	}

	veh := c.Vehicle
	switch {
	case veh.PollInterval <= 0:
		return &ConfigurationError{"vehicle.poll_interval", "must be positive"}
	case veh.FreshnessThreshold < veh.PollInterval:
		return &ConfigurationError{"vehicle.freshness_threshold", "must be at least one poll interval"}
	case veh.RequestTimeout <= 0:
		return &ConfigurationError{"vehicle.request_timeout", "must be positive"}
	case veh.PresenceRadiusKm < 0:
		return &ConfigurationError{"vehicle.presence_radius_km", "must not be negative"}
	}

	if c.Store.URL != "" && c.Store.PollInterval <= 0 {
		return &ConfigurationError{"store.poll_interval", "must be positive"}
	}

	return nil
}
