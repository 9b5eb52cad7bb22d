package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mnemod/mnemod/internal/config"
	"github.com/mnemod/mnemod/internal/pipeline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory daemon",
	Long:  "Starts the event pipeline and the HTTP gateway, and blocks until interrupted.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.New(ctx, cfg, version)
	if err != nil {
		return err
	}

	color.Cyan(logo)
	fmt.Printf("mnemod %s listening on http://%s:%d\n", version, cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Println("Press Ctrl+C to stop.")
	return p.Run(ctx)
}
