package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/moltq/moltq/internal/api"
	"github.com/moltq/moltq/internal/config"
	"github.com/moltq/moltq/internal/coordinator"
	"github.com/moltq/moltq/internal/dispatch"
	"github.com/moltq/moltq/internal/store"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "moltqd",
		Short: "moltqd runs the distributed task-execution daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	if err := root.Execute(); err != nil {
		log.Fatalf("moltqd: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, config.ParseLogLevel(cfg.LogLevel))

	logger.Info("moltqd: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"workers", cfg.Engine.MaxWorkers,
		"distributed", cfg.Redis.Enabled,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var coord coordinator.Coordinator
	if cfg.Redis.Enabled {
		coord, err = coordinator.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	} else {
		coord = coordinator.NewLocal()
	}

	fw, err := dispatch.New(cfg, db, coord, logger)
	if err != nil {
		return err
	}
	if err := fw.Start(ctx); err != nil {
		return fmt.Errorf("start framework: %w", err)
	}
	defer fw.Stop()

	srv := api.NewServer(cfg.ListenAddr, fw, logger)
	return srv.Run()
}
