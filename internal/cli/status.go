package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var errUnhealthy = errors.New("health check reported problems")

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show delivery statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, a, err := appFor(cmd)
			if err != nil {
				return err
			}
			st, err := a.Admin.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if rt.Format().structured() {
				return writeObject(rt.writer, rt.Format(), st)
			}
			writeStats(rt.writer, st)
			return nil
		},
	}
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check storage, schema and queue health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, a, err := appFor(cmd)
			if err != nil {
				return err
			}
			h := a.Admin.Health(cmd.Context())
			if rt.Format().structured() {
				err = writeObject(rt.writer, rt.Format(), h)
			} else {
				writeHealth(rt.writer, h)
			}
			if err != nil {
				return err
			}
			if !h.OK {
				return errUnhealthy
			}
			return nil
		},
	}
}
