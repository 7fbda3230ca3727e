package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quillnote/quill/internal/app"
	"github.com/quillnote/quill/internal/rebuild"
	"github.com/quillnote/quill/internal/task"
)

var (
	rebuildFull  bool
	rebuildForce bool
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the embedding index",
	Long: `Rebuild runs the embedding index pipeline in the foreground and
streams progress until it finishes. By default the run is incremental:
already embedded notes are excluded. Use --full to drop the index and
re-embed everything.

The run slot is shared with a quill service via the database, so a rebuild
started here is visible to 'quill serve' and vice versa.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRebuild()
	},
}

var rebuildStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current rebuild checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRebuildStatus()
	},
}

var rebuildStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Request cancellation of a running rebuild",
	Long: `Stop clears the persisted run flag. The running process, whichever it
is, observes the flag at its next batch or item boundary and checkpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRebuildStop()
	},
}

var rebuildResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a stopped rebuild from its checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRebuildWait(func(ctx context.Context, a *app.App) bool {
			return a.Coordinator.ResumeRebuild(ctx)
		})
	},
}

var rebuildRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-embed the notes that failed every attempt",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRebuildWait(func(ctx context.Context, a *app.App) bool {
			return a.Coordinator.RetryFailedNotes(ctx)
		})
	},
}

var rebuildFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List note ids that failed every embed attempt",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRebuildFailed()
	},
}

func init() {
	rebuildCmd.Flags().BoolVar(&rebuildFull, "full", false, "drop the index and re-embed everything")
	rebuildCmd.Flags().BoolVar(&rebuildForce, "force", false, "stop an active run and start over")
	rebuildCmd.AddCommand(rebuildStatusCmd, rebuildStopCmd, rebuildResumeCmd, rebuildRetryCmd, rebuildFailedCmd)
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild() error {
	return runRebuildWait(func(ctx context.Context, a *app.App) bool {
		return a.Coordinator.ForceRebuild(ctx, rebuildForce, !rebuildFull)
	})
}

// runRebuildWait wires the app, fires a run through start, and streams
// progress until the run reaches a terminal state or the user interrupts.
// An interrupt requests a cooperative stop and waits for the checkpoint.
func runRebuildWait(start func(context.Context, *app.App) bool) error {
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

	updates, unsubscribe := a.Coordinator.Subscribe()
	defer unsubscribe()

	if !start(ctx, a) {
		return errors.New("rebuild not started (another run active, or nothing to do)")
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "interrupt received, stopping rebuild")
			a.Coordinator.StopRebuild(context.Background())
			// Wait for the terminal snapshot so the checkpoint is durable
			// before the pool closes. Bounded: if the stop could not be
			// persisted the run never checkpoints, and the interrupt must
			// still terminate.
			if prog := awaitFinalSnapshot(updates, stopDrainTimeout); prog != nil {
				printProgressLine(prog)
			} else {
				fmt.Fprintln(os.Stderr, "gave up waiting for the stop checkpoint")
			}
			return nil
		case prog := <-updates:
			printProgressLine(prog)
			if !prog.IsRunning {
				if len(prog.FailedIDs()) > 0 {
					fmt.Printf("failed notes: %v (run 'quill rebuild retry')\n", prog.FailedIDs())
				}
				return nil
			}
		}
	}
}

// stopDrainTimeout bounds how long an interrupted rebuild waits for the
// run's terminal snapshot.
const stopDrainTimeout = 10 * time.Second

// awaitFinalSnapshot drains updates until a terminal (not running) snapshot
// arrives, the channel closes, or timeout elapses. Returns nil when no
// terminal snapshot was seen.
func awaitFinalSnapshot(updates <-chan *rebuild.Progress, timeout time.Duration) *rebuild.Progress {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case prog, ok := <-updates:
			if !ok {
				return nil
			}
			if !prog.IsRunning {
				return prog
			}
		case <-deadline.C:
			return nil
		}
	}
}

func runRebuildStatus() error {
	ctx := context.Background()

	a, err := app.New(ctx)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() { _ = a.Close(ctx) }()

	prog, err := a.Coordinator.GetProgress(ctx)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			fmt.Println("no rebuild has run yet")
			return nil
		}
		return err
	}
	if prog == nil {
		fmt.Println("no rebuild has run yet")
		return nil
	}

	out, err := json.MarshalIndent(prog, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding progress: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func runRebuildStop() error {
	ctx := context.Background()

	a, err := app.New(ctx)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() { _ = a.Close(ctx) }()

	if !a.Coordinator.StopRebuild(ctx) {
		return errors.New("stop request failed")
	}
	fmt.Println("stop requested; the running process will checkpoint shortly")
	return nil
}

func runRebuildFailed() error {
	ctx := context.Background()

	a, err := app.New(ctx)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() { _ = a.Close(ctx) }()

	ids, err := a.Coordinator.GetFailedNotes(ctx)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			fmt.Println("no rebuild has run yet")
			return nil
		}
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no failed notes")
		return nil
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func printProgressLine(prog *rebuild.Progress) {
	state := "running"
	if !prog.IsRunning {
		state = "done"
	}
	fmt.Printf("[%3d%%] %d/%d %s\n", prog.Percentage, prog.Current, prog.Total, state)
}
