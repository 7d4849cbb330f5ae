package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/timmy/sourcescan/internal/app"
	"github.com/timmy/sourcescan/internal/config"
	"github.com/timmy/sourcescan/internal/logger"
)

// cli carries the flags and lazily built pipeline shared by every command.
type cli struct {
	configPath string
	owner      string
	log        *logger.Logger
	app        *app.App
}

func (c *cli) pipeline(ctx context.Context) (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	a, err := app.Build(ctx, cfg, c.log)
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cli) close() {
	if c.app != nil {
		c.app.Close()
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "sourcescan-ingest",
		Short:         "Submit supplier catalogs for enrichment and follow their progress",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv("CONFIG_PATH"), "Path to config file")
	root.PersistentFlags().StringVar(&c.owner, "owner", "cli", "Owner the jobs belong to")

	root.AddCommand(
		runCmd(c),
		previewCmd(c),
		statusCmd(c),
		cancelCmd(c),
		listCmd(c),
		workerCmd(c),
	)
	return root
}

func main() {
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "sourcescan-ingest",
	})
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &cli{log: appLogger}
	err := newRootCmd(c).ExecuteContext(ctx)
	c.close()
	if err != nil {
		appLogger.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}
