// Package cli implements the lightfast command tree.
package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/lightfastai/lightfast-sub011/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _ _       _     _    __           _\n" +
		" | (_) __ _| |__ | |_ / _| __ _ ___| |_\n" +
		" | | |/ _` | '_ \\| __| |_ / _` / __| __|\n" +
		" | | | (_| | | | | |_|  _| (_| \\__ \\ |_\n" +
		" |_|_|\\__, |_| |_|\\__|_|  \\__,_|___/\\__|\n" +
		"      |___/\n"
)

var workspaceID string

var rootCmd = &cobra.Command{
	Use:   "lightfast",
	Short: "Lightfast - Engineering Memory",
	Long:  color.CyanString(logo) + "\nAn observation pipeline and retrieval memory for engineering events.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspaceID, "workspace", "w", "default", "Workspace ID")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(workerCmd)
}
