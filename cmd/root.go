// Package cmd defines and implements the CLI commands for the sitemirror
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/config"
	"github.com/JakeFAU/sitemirror/internal/pipeline"
	"github.com/JakeFAU/sitemirror/internal/server"
)

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// App defines the application interface that commands use. Tests swap in a
// fake through newApp.
type App interface {
	Capture(ctx context.Context, rawURL string) (pipeline.Result, error)
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "sitemirror",
		Short: "Capture web pages as self-contained offline mirrors.",
		Long: `sitemirror renders a page, downloads every stylesheet, script, image,
font, media file and linked document it references, and rewrites the page so
the capture folder opens offline. It runs one-off captures from the command
line or serves a capture API backed by a worker pool.`,
		SilenceUsage: true,

		// Runs before every subcommand so each one sees the same config.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); SITEMIRROR_* env vars override it")

	cmd.AddCommand(newCaptureCmd(), newServeCmd(), newListCmd(), newArchiveCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// withApp builds the application, runs fn, and always closes the app.
func withApp(cmd *cobra.Command, fn func(App) error) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	app, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	runErr := fn(app)
	if cerr := app.Close(context.WithoutCancel(cmd.Context())); cerr != nil && runErr == nil {
		runErr = fmt.Errorf("close application: %w", cerr)
	}
	return runErr
}
