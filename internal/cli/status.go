package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lightfastai/lightfast-sub011/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("Lightfast Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status and workspace counts",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("Lightfast Status")
		fmt.Printf("Version: %s\n", version)

		path, err := config.ConfigPath()
		if err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				fmt.Println("Config:  ✓ Found (" + path + ")")
			} else {
				fmt.Println("Config:  ✗ Not found, using defaults (" + path + ")")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config error: %v\n", err)
			return
		}
		fmt.Printf("Vector:  %s\n", cfg.Vector.Backend)
		if cfg.Embedding.APIBase != "" {
			fmt.Println("Embedding: ✓ Configured")
		} else {
			fmt.Println("Embedding: ✗ Not configured (ingest persists without vectors)")
		}
		if cfg.Rater.APIBase != "" {
			fmt.Println("Rater:     ✓ Configured")
		} else {
			fmt.Println("Rater:     ✗ Not configured (search uses vector-only ranking)")
		}
		if cfg.Tasks.KafkaBrokers != "" {
			fmt.Println("Tasks:     Kafka (" + cfg.Tasks.KafkaBrokers + ")")
		} else {
			fmt.Println("Tasks:     In-process queue")
		}

		if _, err := os.Stat(cfg.Paths.DBPath); err != nil {
			fmt.Println("Database:  ✗ Not created yet (" + cfg.Paths.DBPath + ")")
			return
		}

		rt, err := newRuntime()
		if err != nil {
			fmt.Printf("Database error: %v\n", err)
			return
		}
		defer rt.close()

		stats, err := rt.observations.Stats(context.Background(), workspaceID)
		if err != nil {
			fmt.Printf("Stats error: %v\n", err)
			return
		}
		fmt.Printf("\nWorkspace %q:\n", workspaceID)
		fmt.Printf("  Observations: %d\n", stats.Observations)
		fmt.Printf("  Entities:     %d\n", stats.Entities)
		fmt.Printf("  Clusters:     %d\n", stats.Clusters)
		fmt.Printf("  Profiles:     %d\n", stats.Profiles)
	},
}
