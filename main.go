package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/flashbots/relay-ops-monitor/config"
	"github.com/flashbots/relay-ops-monitor/database"
	"github.com/flashbots/relay-ops-monitor/supervisor"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "relay-ops-monitor",
	Short: "Operational-integrity monitor for the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if err := cfg.Validate(); err != nil {
			return err
		}
		log := logSetup(cfg.LogJSON, cfg.LogLevel)

		db, err := database.NewService(log, cfg.RelayDatabaseURL, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := db.Migrate()
		if err != nil {
			return err
		}
		log.WithField("applied", applied).Info("migrations applied")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and exit",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relay-ops-monitor %s\n", version)
	},
}

func main() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logSetup(cfg.LogJSON, cfg.LogLevel).WithFields(logrus.Fields{
		"network": cfg.Network,
		"geo":     cfg.Geo,
	})
	log.WithField("version", version).Info("starting relay-ops-monitor")

	supervisor.Version = version
	sup, err := supervisor.New(log, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return sup.Run(ctx)
}

func logSetup(json bool, level string) *logrus.Entry {
	log := logrus.NewEntry(logrus.New())
	log.Logger.SetOutput(os.Stdout)
	if json {
		log.Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.Logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			log.Fatalf("invalid log level: %s", level)
		}
		log.Logger.SetLevel(lvl)
	}
	return log
}
