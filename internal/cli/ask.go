package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"taxsaathi/apps/backend/internal/app"
)

var (
	askForm16      string
	askInvestments []string
	askBank        string
	askJSON        bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a tax question about local documents",
	Long: `Indexes the given documents in memory and answers one question from
them. Questions unrelated to Indian taxation are declined.`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askForm16, "form16", "", "Form 16 PDF")
	askCmd.Flags().StringSliceVar(&askInvestments, "investment", nil, "investment proof PDF (repeatable)")
	askCmd.Flags().StringVar(&askBank, "bank", "", "bank statement PDF")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "output the answer and sources as JSON")
	_ = askCmd.MarkFlagRequired("form16")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := setup(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	docs, err := readDocuments(askForm16, askInvestments, askBank)
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

	ans, err := sessions.Ask(ctx, s.ID, args[0])
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	if askJSON {
		data, err := json.MarshalIndent(ans, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal answer: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), ans.Answer)
	return nil
}
