package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"taxsaathi/apps/backend/internal/app"
	"taxsaathi/apps/backend/internal/render"
)

var (
	computeForm16      string
	computeInvestments []string
	computeBank        string
	computeOut         string
	computeZip         bool
)

var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Draft old and new regime ITR forms from local documents",
	Long: `Reads a Form 16 and optional investment proofs and bank statement,
drafts ITR-2 forms under both regimes and writes them as PDFs to the
output directory. The regime recommendation is printed to stdout.`,
	Args: cobra.NoArgs,
	RunE: runCompute,
}

func init() {
	computeCmd.Flags().StringVar(&computeForm16, "form16", "", "Form 16 PDF")
	computeCmd.Flags().StringSliceVar(&computeInvestments, "investment", nil, "investment proof PDF (repeatable)")
	computeCmd.Flags().StringVar(&computeBank, "bank", "", "bank statement PDF")
	computeCmd.Flags().StringVarP(&computeOut, "out", "o", ".", "output directory")
	computeCmd.Flags().BoolVar(&computeZip, "zip", false, "also write both forms as a zip bundle")
	_ = computeCmd.MarkFlagRequired("form16")
	rootCmd.AddCommand(computeCmd)
}

func runCompute(cmd *cobra.Command, args []string) error {
	cfg, err := setup(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	docs, err := readDocuments(computeForm16, computeInvestments, computeBank)
	if err != nil {
		return err
	}

	deps, err := newDependencies(cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	sessions, err := app.NewManager(cfg, deps, nil, nil)
	if err != nil {
		return err
	}
	defer sessions.Close()

	ctx := cmd.Context()
	s := sessions.Create(ctx)
	report, err := sessions.Ingest(ctx, s.ID, docs)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}
	printReport(cmd, report)

	res, err := sessions.Compute(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("computation failed: %w", err)
	}

	files, err := render.ITRForms(res)
	if err != nil {
		return err
	}
	if computeZip {
		bundle, err := render.Zip(files...)
		if err != nil {
			return err
		}
		files = append(files, render.File{Name: render.BundleFile, Data: bundle})
	}

	if err := os.MkdirAll(computeOut, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	for _, f := range files {
		path := filepath.Join(computeOut, f.Name)
		if err := os.WriteFile(path, f.Data, 0o644); err != nil { // #nosec G306 -- generated forms are meant to be read by the user
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", res.RecommendedRegime)
	return nil
}
