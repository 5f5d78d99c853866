package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"xray-fleet/app"
	"xray-fleet/internal/common"
)

var mainCommand = &cobra.Command{
	Use:           "xray-fleet",
	Short:         "Xray fleet panel and node agent",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var commandPanel = &cobra.Command{
	Use:   "panel",
	Short: "Run the fleet panel API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(app.NewPanel)
	},
}

var commandAgent = &cobra.Command{
	Use:   "agent",
	Short: "Run the node apply agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(app.NewAgent)
	},
}

func init() {
	mainCommand.AddCommand(commandPanel)
	mainCommand.AddCommand(commandAgent)
}

func main() {
	if err := mainCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func serve(build func(opts ...common.Option) *app.Application) error {
	env := os.Getenv("APP_ENV")
	logger, err := newLogger(env)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	application := build(
		common.WithLogger(logger),
		common.WithEnv(env),
	)

	if err := application.Start(context.Background()); err != nil {
		logger.Error("failed to start application", zap.Error(err))
		return err
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Stop(stopCtx); err != nil {
		logger.Error("failed to stop application gracefully", zap.Error(err))
		return err
	}
	return nil
}
