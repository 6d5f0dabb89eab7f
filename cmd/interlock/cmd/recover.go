package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/interlock-hie/interlock/internal/adapter/outbound/cel"
	"github.com/interlock-hie/interlock/internal/adapter/outbound/sqlstore"
	"github.com/interlock-hie/interlock/internal/config"
	"github.com/interlock-hie/interlock/internal/domain/maps"
	"github.com/interlock-hie/interlock/internal/service"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run the crash-recovery sweep without starting connectors",
	Long: `Recover scans each configured channel for messages this host left
unprocessed, resolves connector messages stuck in RECEIVED or PENDING to
ERROR, and reports the counts. Connectors are never started; this is the
same sweep a normal start performs.`,
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	ctx := context.Background()

	store, err := sqlstore.New(ctx, sqlstore.Config{
		DSN:             cfg.Database.Name,
		Mode:            sqlstore.SchemaMode(cfg.Database.Mode),
		PoolSize:        cfg.Database.PoolSize,
		AcquireTimeout:  cfg.Database.AcquireTimeout,
		DeadlockRetries: cfg.Database.DeadlockRetries,
	}, logger)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer func() { _ = store.Close() }()

	executor, err := cel.NewExecutor()
	if err != nil {
		return fmt.Errorf("create script executor: %w", err)
	}

	engine := service.NewEngineService(cfg, store, executor, maps.NewManager(), nil, logger)
	if err := engine.DeployChannels(ctx); err != nil {
		return err
	}

	for _, ch := range engine.Channels() {
		if _, err := store.EnsureChannel(ctx, ch.ID()); err != nil {
			return fmt.Errorf("channel %q: %w", ch.Name(), err)
		}
		result, err := ch.RunRecovery(ctx)
		if err != nil {
			return fmt.Errorf("channel %q: %w", ch.Name(), err)
		}
		fmt.Printf("%s: recovered=%d errors=%d\n", ch.Name(), result.Recovered, result.Errors)
	}
	return nil
}
