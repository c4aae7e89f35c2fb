package main

import (
	"fmt"
	"os"

	"amp-controller/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string // explicit config file, otherwise config.yaml in . or ./config
	logLevel   string // overrides log.level from the config
)

var rootCmd = &cobra.Command{
	Use:   "amp-controller",
	Short: "Keeps an EV's charge current within the headroom of a shared circuit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runController()
	},
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the charge-rate controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runController()
	},
	SilenceUsage: true,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Load and validate the configuration, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: capacity %.1fA, commands in [%d, %d]A, fail-safe %dA\n",
			cfg.Controller.CapacityAmps, cfg.Controller.MinAmps, cfg.Controller.MaxAmps, cfg.Controller.FailSafeAmps)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the config file (default: config.yaml in . or ./config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	if parsed, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(parsed)
	} else {
		logger.Warnf("Unknown log level %q, using info", level)
	}
	return logger
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
