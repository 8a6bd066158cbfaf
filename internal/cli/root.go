// Package cli implements convctl, the operator tool for the conversation
// service. It builds the same service graph as the Lambda from the same
// environment variables.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"conversation-service/internal/app"
	"conversation-service/internal/config"
)

type runtime struct {
	getenv   func(string) string
	logLevel string
	build    func(ctx context.Context, cfg config.Config, log *slog.Logger) (*app.App, error)
}

func (r *runtime) config() (config.Config, error) {
	cfg, err := config.Load(r.getenv)
	if err != nil {
		return cfg, err
	}
	if r.logLevel != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(r.logLevel)); err != nil {
			return cfg, fmt.Errorf("invalid --log-level %q", r.logLevel)
		}
	}
	return cfg, nil
}

// open loads config and builds the service. Logs go to stderr so command
// output stays machine readable.
func (r *runtime) open(cmd *cobra.Command) (*app.App, error) {
	cfg, err := r.config()
	if err != nil {
		return nil, err
	}
	log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.LogLevel}))
	return r.build(cmd.Context(), cfg, log)
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	r := &runtime{
		getenv: getenv,
		build: func(ctx context.Context, cfg config.Config, log *slog.Logger) (*app.App, error) {
			return app.Build(ctx, cfg, log)
		},
	}

	cmd := &cobra.Command{
		Use:           "convctl",
		Short:         "Operate the conversation state service",
		Long:          "convctl inspects and manages conversation sessions using the service's own configuration.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&r.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newConfigCmd(r))
	cmd.AddCommand(newSessionCmd(r))
	cmd.AddCommand(newTokenCmd(r))
	cmd.AddCommand(newStoreCmd(r))

	return cmd
}

// Execute runs convctl against the process environment.
func Execute() error {
	cmd := newRootCmd(os.Getenv)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
		return err
	}
	return nil
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
