package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drive the delivery queue",
	}
	cmd.AddCommand(
		newQueueStatusCommand(),
		newQueueRunCommand(),
		newQueuePurgeCommand(),
	)
	return cmd
}

func newQueueStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backlog and the next scheduled run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, a, err := appFor(cmd)
			if err != nil {
				return err
			}
			st, err := a.Admin.QueueStatus(cmd.Context())
			if err != nil {
				return err
			}
			if rt.Format().structured() {
				return writeObject(rt.writer, rt.Format(), st)
			}
			writeQueueStatus(rt.writer, st)
			return nil
		},
	}
}

func newQueueRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Process due jobs once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, a, err := appFor(cmd)
			if err != nil {
				return err
			}
			rep, err := a.Admin.RunQueue(cmd.Context())
			if err != nil {
				return err
			}
			if rt.Format().structured() {
				return writeObject(rt.writer, rt.Format(), rep)
			}
			writeReport(rt.writer, rep)
			return nil
		},
	}
}

func newQueuePurgeCommand() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete queue jobs older than a duration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, a, err := appFor(cmd)
			if err != nil {
				return err
			}
			n, err := a.Admin.PurgeQueue(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(rt.writer, "deleted %d jobs\n", n)
			return err
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Minimum job age")
	return cmd
}

func newRetryFailedCommand() *cobra.Command {
	var (
		limit int
		mode  string
	)
	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Resend failed and dead-lettered messages that kept their payload",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, a, err := appFor(cmd)
			if err != nil {
				return err
			}
			sum, err := a.Admin.RetryFailed(cmd.Context(), limit, mode)
			if err != nil {
				return err
			}
			if rt.Format().structured() {
				return writeObject(rt.writer, rt.Format(), sum)
			}
			writeSummary(rt.writer, sum)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries to resend")
	cmd.Flags().StringVar(&mode, "mode", "", "Delivery mode override: immediate or queue")
	return cmd
}
