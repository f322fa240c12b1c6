package cli

import (
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/SirClappington/mailq/internal/admin"
)

func newLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Work with the delivery log",
	}
	cmd.AddCommand(newLogsExportCommand())
	return cmd
}

type exportOptions struct {
	status   string
	search   string
	dateFrom string
	dateTo   string
	mode     string
	limit    int
	format   string
	output   string
}

func (o exportOptions) values() url.Values {
	v := url.Values{}
	for k, s := range map[string]string{
		"status":    o.status,
		"s":         o.search,
		"date_from": o.dateFrom,
		"date_to":   o.dateTo,
		"mode":      o.mode,
	} {
		if s != "" {
			v.Set(k, s)
		}
	}
	return v
}

func newLogsExportCommand() *cobra.Command {
	var o exportOptions
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export log entries as a table, JSON or CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, a, err := appFor(cmd)
			if err != nil {
				return err
			}
			f, err := admin.FilterFromValues(o.values())
			if err != nil {
				return err
			}
			entries, err := a.Log.Export(cmd.Context(), f, o.limit)
			if err != nil {
				return err
			}

			var w io.Writer = rt.writer
			if o.output != "" {
				file, err := os.Create(o.output)
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}
			switch Format(o.format) {
			case FormatTable:
				writeLogTable(w, entries)
			case FormatJSON:
				err = admin.WriteExport(w, admin.FormatJSON, entries)
			case FormatYAML:
				err = writeObject(w, FormatYAML, entries)
			case FormatCSV:
				err = admin.WriteExport(w, admin.FormatCSV, entries)
			default:
				return fmt.Errorf("unknown export format: %s", o.format)
			}
			if err != nil {
				return err
			}
			if o.output != "" {
				_, err = fmt.Fprintf(rt.writer, "wrote %d entries to %s\n", len(entries), o.output)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&o.status, "status", "", "Comma separated statuses")
	cmd.Flags().StringVar(&o.search, "search", "", "Free text search")
	cmd.Flags().StringVar(&o.dateFrom, "date-from", "", "First day, YYYY-MM-DD")
	cmd.Flags().StringVar(&o.dateTo, "date-to", "", "Last day, YYYY-MM-DD")
	cmd.Flags().StringVar(&o.mode, "mode", "", "Delivery mode: immediate or queue")
	cmd.Flags().IntVar(&o.limit, "limit", 200, "Maximum entries")
	cmd.Flags().StringVar(&o.format, "format", string(FormatTable), "Export format: table, json, yaml, csv")
	cmd.Flags().StringVar(&o.output, "output-file", "", "Write to a file instead of stdout")
	return cmd
}
