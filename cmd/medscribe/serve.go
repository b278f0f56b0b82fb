package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/medscribe/internal/app"
	"github.com/MrWong99/medscribe/internal/config"
	"github.com/MrWong99/medscribe/internal/observe"
)

// shutdownTimeout bounds the teardown after the server stops.
const shutdownTimeout = 15 * time.Second

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			sdk, err := observe.Setup(cmd.Context(), observe.SDKConfig{
				ServiceName:    cfg.Observe.ServiceName,
				ServiceVersion: version,
				SampleRatio:    cfg.Observe.TraceSampleRatio,
			})
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 5*time.Second)
				defer cancel()
				if err := sdk.Shutdown(ctx); err != nil {
					slog.Warn("observability shutdown", "err", err)
				}
			}()

			a, err := g.buildApp(cmd, cfg, app.WithObservability(sdk))
			if err != nil {
				return err
			}
			printStartupSummary(cmd, cfg)

			slog.Info("server ready, press Ctrl+C to shut down")
			runErr := a.Run(cmd.Context())
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				slog.Error("run error", "err", runErr)
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownTimeout)
			defer cancel()
			slog.Info("stopping")
			if err := a.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}
			slog.Info("goodbye")
			return nil
		},
	}
}

// ── Startup summary ──────────────────────────────────────────────────────────

func printStartupSummary(cmd *cobra.Command, cfg *config.Config) {
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        medscribe startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(cmd, "LLM", providerLabel(cfg.Providers.LLM.Name, cfg.Providers.LLM.Model))
	printRow(cmd, "Fallbacks", fmt.Sprint(len(cfg.Providers.LLM.Fallbacks)))
	printRow(cmd, "STT", providerLabel(cfg.Providers.STT.Name, cfg.Providers.STT.Model))
	printRow(cmd, "Catalog", orDefault(cfg.Catalog.Dir, "(empty)"))
	printRow(cmd, "Telemetry", orDefault(cfg.Telemetry.Driver, "sqlite"))
	if cfg.Telemetry.Export.S3.Bucket != "" {
		printRow(cmd, "Export", "s3://"+cfg.Telemetry.Export.S3.Bucket)
	} else {
		printRow(cmd, "Export", orDefault(cfg.Telemetry.Export.Dir, "exports"))
	}
	printRow(cmd, "Listen addr", orDefault(cfg.Server.ListenAddr, ":8080"))
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func providerLabel(name, model string) string {
	switch {
	case name == "":
		return "(default)"
	case model != "":
		return name + " / " + model
	default:
		return name
	}
}

func printRow(cmd *cobra.Command, kind, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "║  %-12s    : %-19s ║\n", kind, value)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
