package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quillnote/quill/api"
	"github.com/quillnote/quill/internal/app"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the quill service",
	Long: `Serve runs migrations, recovers any rebuild interrupted by a previous
crash, arms the scheduled rebuild, and exposes the HTTP control API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(context.Background()); closeErr != nil {
			a.Logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	if err := a.Scheduler.InitializeOnBoot(ctx); err != nil {
		return fmt.Errorf("recovering interrupted rebuild: %w", err)
	}
	if err := a.Scheduler.Start(ctx, a.Config.Rebuild.Schedule); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	addr := serveAddr
	if addr == "" {
		addr = a.Config.APIAddr
	}

	server := api.NewServer(a.Coordinator, a.Searcher, a.Pool, a.Logger)
	if err := server.Run(ctx, addr); err != nil {
		return fmt.Errorf("running HTTP server: %w", err)
	}

	// Let an in-flight run checkpoint before the pool closes.
	a.Coordinator.StopRebuild(context.Background())
	return nil
}
