package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quillnote/quill/internal/app"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search notes semantically",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSearch(strings.Join(args, " "))
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
}

func runSearch(query string) error {
	ctx := context.Background()

	a, err := app.New(ctx)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() { _ = a.Close(ctx) }()

	results, err := a.Searcher.Search(ctx, query)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no matches")
		return nil
	}

	for _, r := range results {
		title := r.Note.Title
		if strings.TrimSpace(title) == "" {
			title = "(untitled)"
		}
		fmt.Printf("%.2f  #%d  %s\n", r.Score, r.Note.ID, title)
		for _, chunk := range r.Chunks {
			fmt.Printf("      %s\n", excerpt(chunk, 120))
		}
	}
	return nil
}

// excerpt truncates s to max runes on a single line.
func excerpt(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
