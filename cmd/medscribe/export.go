package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/medscribe/internal/app"
	"github.com/MrWong99/medscribe/internal/telemetry"
)

func newExportCmd(g *globalFlags) *cobra.Command {
	var (
		format   string
		from, to string
		stdout   bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export sessions, messages and feedback",
		Long:  "Exports the telemetry of a date range to the configured sink (a directory or an S3 bucket), or to stdout with --stdout.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := telemetry.ParseFormat(format)
			if err != nil {
				return err
			}
			rng, err := parseRange(from, to)
			if err != nil {
				return err
			}

			cfg, err := g.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := app.OpenStore(ctx, cfg.Telemetry)
			if err != nil {
				return err
			}
			defer store.Close()

			now := time.Now()
			if stdout {
				return telemetry.Export(ctx, store, f, rng, now, cmd.OutOrStdout())
			}
			sink, err := app.OpenSink(ctx, cfg.Telemetry.Export)
			if err != nil {
				return err
			}
			loc, err := telemetry.ExportTo(ctx, store, sink, f, rng, now)
			if err != nil {
				return err
			}
			slog.Info("export written", "location", loc, "format", f)
			fmt.Fprintln(cmd.OutOrStdout(), loc)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "export format: json or csv")
	cmd.Flags().StringVar(&from, "from", "", "start of the range, RFC 3339 or YYYY-MM-DD (inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "end of the range, RFC 3339 or YYYY-MM-DD (inclusive)")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "write the export to stdout instead of the sink")
	return cmd
}

// parseRange parses the --from and --to flags. A bare date as --to covers
// the whole day.
func parseRange(from, to string) (telemetry.Range, error) {
	var rng telemetry.Range
	var err error
	if rng.From, _, err = parseDate(from); err != nil {
		return rng, fmt.Errorf("--from: %w", err)
	}
	var dateOnly bool
	if rng.To, dateOnly, err = parseDate(to); err != nil {
		return rng, fmt.Errorf("--to: %w", err)
	}
	if dateOnly {
		rng.To = rng.To.Add(24*time.Hour - time.Millisecond)
	}
	if !rng.From.IsZero() && !rng.To.IsZero() && rng.To.Before(rng.From) {
		return rng, fmt.Errorf("--to %s is before --from %s", to, from)
	}
	return rng, nil
}

func parseDate(s string) (t time.Time, dateOnly bool, err error) {
	if s == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, true, nil
	}
	t, err = time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid time %q", s)
	}
	return t, false, nil
}
