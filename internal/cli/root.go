// Package cli implements the mailqctl operator commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/SirClappington/mailq/internal/app"
)

// BuildFunc assembles the services the commands run against.
type BuildFunc func(ctx context.Context) (*app.App, error)

type Config struct {
	Build        BuildFunc
	OutputWriter io.Writer
}

type runtimeState struct {
	build        BuildFunc
	app          *app.App
	outputFormat string
	writer       io.Writer
}

type runtimeKey struct{}

func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{build: cfg.Build, writer: cfg.OutputWriter}

	root := &cobra.Command{
		Use:           "mailqctl",
		Short:         "Operate the mailq delivery queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if rt.writer == nil {
				rt.writer = os.Stdout
			}
			if rt.outputFormat == "" {
				rt.outputFormat = os.Getenv("MAILQCTL_OUTPUT")
			}
			if rt.outputFormat == "" {
				rt.outputFormat = string(FormatTable)
			}
			if f := rt.Format(); f != FormatTable && !f.structured() {
				return fmt.Errorf("unknown output format: %s", f)
			}
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if rt.app == nil {
				return nil
			}
			return rt.app.Close()
		},
	}
	root.PersistentFlags().StringVarP(&rt.outputFormat, "output", "o", "", "Output format: table, json, yaml")

	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))
	root.AddCommand(
		newQueueCommand(),
		newRetryFailedCommand(),
		newLogsCommand(),
		newStatsCommand(),
		newHealthCommand(),
		newSecretCommand(),
		newTokenCommand(),
	)
	return root
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// App builds the services on first use.
func (rt *runtimeState) App(ctx context.Context) (*app.App, error) {
	if rt.app != nil {
		return rt.app, nil
	}
	if rt.build == nil {
		return nil, errors.New("no service builder configured")
	}
	a, err := rt.build(ctx)
	if err != nil {
		return nil, err
	}
	rt.app = a
	return a, nil
}

func (rt *runtimeState) Format() Format { return Format(rt.outputFormat) }

// appFor resolves the runtime and its services for a command.
func appFor(cmd *cobra.Command) (*runtimeState, *app.App, error) {
	rt, err := getRuntime(cmd)
	if err != nil {
		return nil, nil, err
	}
	a, err := rt.App(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	return rt, a, nil
}
