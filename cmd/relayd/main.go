package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/relaydhq/relayd/internal/apikeys"
	"github.com/relaydhq/relayd/internal/config"
	"github.com/relaydhq/relayd/internal/db"
	"github.com/relaydhq/relayd/internal/logger"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "relayd",
		Short: "Webhook gateway for multi-channel AI chat",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (default: CONFIG_PATH env)")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(apikeyCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logger.New(cfg.Log.Level, cfg.Log.Format)
			return db.Migrate(log, cfg.Postgres.DSN())
		},
	}
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create an API key and print it once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logger.New(cfg.Log.Level, cfg.Log.Format)

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			pool, err := db.Connect(ctx, log, cfg.Postgres.DSN())
			if err != nil {
				return err
			}
			defer pool.Close()

			key := uuid.NewString()
			if _, err := apikeys.NewService(log, pool).Create(ctx, args[0], key); err != nil {
				return err
			}
			fmt.Printf("%s\n", key)
			return nil
		},
	})
	return cmd
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
