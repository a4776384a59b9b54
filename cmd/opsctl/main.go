package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"progression-engine/internal/constants"
	fxmodules "progression-engine/internal/fx"
	"progression-engine/internal/ledger"
	"progression-engine/internal/logger"
	"progression-engine/internal/repository"
	"progression-engine/internal/service"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var rootCmd = &cobra.Command{
	Use:           "opsctl",
	Short:         "Operate the progression engine",
	Long:          "One-shot maintenance for the progression engine: seasons, rank decay, receipt retention and the integrity audit trail.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagOutput  string
	flagVerbose bool
)

// deps are the services a command can reach.
type deps struct {
	ranks     *service.RankService
	integrity *service.IntegrityService
	seasons   *repository.SeasonRepository
	ledger    *ledger.Ledger
	logger    zerolog.Logger
}

// withCore builds the application core from the environment, runs fn and
// tears the core down again.
func withCore(cmd *cobra.Command, fn func(ctx context.Context, d deps) error) error {
	level := zerolog.InfoLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	log := logger.Console(level)

	var d deps
	app := fx.New(
		fxmodules.Core,
		fx.NopLogger,
		fx.Replace(log),
		fx.Populate(&d.ranks, &d.integrity, &d.seasons, &d.ledger, &d.logger),
	)
	if err := app.Err(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		if err := app.Stop(stopCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown failed")
		}
	}()

	return fn(ctx, d)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func render(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	switch flagOutput {
	case "json":
		return printJSON(cmd.OutOrStdout(), v)
	case "text", "":
		text(cmd.OutOrStdout())
		return nil
	default:
		return fmt.Errorf("invalid --output: %s (use json|text)", flagOutput)
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
