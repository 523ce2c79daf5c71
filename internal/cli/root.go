// Package cli is the taxsaathi command line. Without a subcommand it serves
// the HTTP API.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"taxsaathi/apps/backend/internal/app"
	"taxsaathi/apps/backend/internal/config"
	"taxsaathi/apps/backend/internal/ingest"
	"taxsaathi/apps/backend/internal/logger"
	"taxsaathi/apps/backend/internal/vector"
)

// Replaced in tests.
var (
	loadConfig      = config.Load
	bootstrap       = app.Bootstrap
	newDependencies = offlineDependencies
)

var rootCmd = &cobra.Command{
	Use:   "taxsaathi",
	Short: "Indian income tax assistant for Form 16 and investment proofs",
	Long: `TaxSaathi answers questions about your tax documents and drafts ITR-2
forms under the old and new regimes, recommending the cheaper one.

Run without a subcommand to start the HTTP API.`,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         runServe,
}

func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func setup(logOut io.Writer) (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(logger.New(logOut, cfg.LogLevel))
	return cfg, nil
}

// offlineDependencies runs the pipeline against an in-memory index without
// a database or queue.
func offlineDependencies(cfg *config.Config) (*app.Dependencies, error) {
	gen, emb, release, err := app.NewLLM(cfg)
	if err != nil {
		return nil, err
	}
	deps := &app.Dependencies{VectorStore: vector.NewMemoryStore(), Generator: gen, Embedder: emb}
	deps.OnClose(release)
	return deps, nil
}

func readDocuments(form16 string, investments []string, bank string) ([]*ingest.Document, error) {
	var docs []*ingest.Document
	add := func(path string, kind ingest.Kind) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		docs = append(docs, &ingest.Document{Name: filepath.Base(path), Kind: kind, Data: data})
		return nil
	}

	if form16 != "" {
		if err := add(form16, ingest.KindForm16); err != nil {
			return nil, err
		}
	}
	for _, p := range investments {
		if err := add(p, ingest.KindInvestmentProof); err != nil {
			return nil, err
		}
	}
	if bank != "" {
		if err := add(bank, ingest.KindBankStatement); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func printReport(cmd *cobra.Command, report *ingest.Report) {
	for _, d := range report.Documents {
		if d.Error != "" {
			cmd.PrintErrf("warning: skipped %s: %s\n", d.Name, d.Error)
		}
	}
}
