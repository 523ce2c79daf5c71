package cli

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"taxsaathi/apps/backend/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and compute worker",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := setup(os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		return err
	}
	defer deps.Close()

	application, err := app.New(cfg, deps, slog.Default())
	if err != nil {
		slog.Error("failed to build app", "error", err)
		return err
	}
	return application.Run(ctx)
}
