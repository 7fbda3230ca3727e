// Package cmd defines the quill command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "Quill - personal notes backend with semantic search",
	Long: `Quill is the backend service for a personal notes knowledge base.
It maintains a vector embedding index over your notes and attachments,
rebuilds it on a schedule or on demand, and answers semantic search
queries against it.

Run 'quill serve' to start the service.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
