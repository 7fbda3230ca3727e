package cmd

import (
	"testing"
	"time"

	"github.com/quillnote/quill/internal/rebuild"
)

func TestAwaitFinalSnapshot(t *testing.T) {
	t.Run("returns the terminal snapshot", func(t *testing.T) {
		updates := make(chan *rebuild.Progress, 3)
		running := rebuild.NewProgress()
		updates <- running
		terminal := running.Clone()
		terminal.IsRunning = false
		terminal.Current = 3
		updates <- terminal

		got := awaitFinalSnapshot(updates, time.Second)
		if got == nil {
			t.Fatal("no snapshot returned")
		}
		if got.IsRunning || got.Current != 3 {
			t.Fatalf("snapshot = running=%v current=%d", got.IsRunning, got.Current)
		}
	})

	t.Run("gives up when no terminal snapshot arrives", func(t *testing.T) {
		updates := make(chan *rebuild.Progress, 1)
		updates <- rebuild.NewProgress()

		start := time.Now()
		if got := awaitFinalSnapshot(updates, 20*time.Millisecond); got != nil {
			t.Fatalf("unexpected snapshot: %+v", got)
		}
		if time.Since(start) > time.Second {
			t.Fatal("wait did not respect the timeout")
		}
	})

	t.Run("returns nil on a closed channel", func(t *testing.T) {
		updates := make(chan *rebuild.Progress)
		close(updates)

		if got := awaitFinalSnapshot(updates, time.Second); got != nil {
			t.Fatalf("unexpected snapshot: %+v", got)
		}
	})
}
