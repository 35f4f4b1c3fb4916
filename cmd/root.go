// services/hub/cmd/root.go
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"example.com/backstage/services/hub/config"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
	logger   *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "hub-service",
	Short: "A service for provisioning park hubs and sensors and ingesting their telemetry.",

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize Logger
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)

		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		logger.SetLevel(level)

		// Local development keeps secrets in .env; deployments use real env vars.
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.WithError(err).Warn("Failed to load .env file")
		}

		// Load Config
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Logger = logger
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config/config.yaml", "config file (default is ./config/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}
