package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lightfastai/lightfast-sub011/internal/retrieval"
)

var (
	searchTopK    int
	searchMinConf float64
	searchSource  string
	searchType    string
	searchActor   string
	searchSince   string
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search the observation memory",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 0, "Max results (0 = configured default)")
	searchCmd.Flags().Float64Var(&searchMinConf, "min-confidence", 0, "Minimum final score")
	searchCmd.Flags().StringVar(&searchSource, "source", "", "Filter by source")
	searchCmd.Flags().StringVar(&searchType, "type", "", "Filter by observation type")
	searchCmd.Flags().StringVar(&searchActor, "actor", "", "Filter by actor ID")
	searchCmd.Flags().StringVar(&searchSince, "since", "", "Only observations after this duration ago, e.g. 72h")
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.governor == nil {
		return fmt.Errorf("search requires an embedding endpoint; set embedding.apiBase in the config")
	}

	opts := retrieval.Options{
		TopK:          searchTopK,
		MinConfidence: searchMinConf,
		Source:        searchSource,
		Type:          searchType,
		ActorID:       searchActor,
	}
	if searchSince != "" {
		d, err := time.ParseDuration(searchSince)
		if err != nil {
			return fmt.Errorf("parse --since: %w", err)
		}
		opts.After = time.Now().Add(-d)
	}

	resp, err := rt.governor.Search(context.Background(), workspaceID, query, opts)
	if err != nil {
		return err
	}

	if len(resp.Observations) == 0 {
		fmt.Println("No matching observations.")
	}
	for i, m := range resp.Observations {
		fmt.Printf("%s %s  %s\n",
			color.CyanString("%2d.", i+1),
			color.New(color.Bold).Sprint(m.Title),
			color.New(color.Faint).Sprintf("(%.2f)", m.FinalScore))
		fmt.Printf("    %s/%s  %s  %s\n", m.Source, m.Type, m.ActorID, m.OccurredAt.Format("2006-01-02 15:04"))
		if m.Snippet != "" {
			fmt.Printf("    %s\n", m.Snippet)
		}
		if m.Reason != "" {
			fmt.Printf("    %s\n", color.New(color.Faint).Sprint(m.Reason))
		}
	}

	if len(resp.Entities) > 0 {
		fmt.Println("\nEntities:")
		for _, e := range resp.Entities {
			fmt.Printf("  [%s] %s (seen %d times)\n", e.Category, e.Key, e.OccurrenceCount)
		}
	}
	if len(resp.Clusters) > 0 {
		fmt.Println("\nClusters:")
		for _, c := range resp.Clusters {
			line := fmt.Sprintf("  %s (%d observations, %s)", c.TopicLabel, c.ObservationCount, c.Status)
			fmt.Println(line)
			if c.Summary != "" {
				fmt.Printf("    %s\n", c.Summary)
			}
		}
	}
	if len(resp.ActorMatches) > 0 {
		fmt.Println("\nActors:")
		for _, a := range resp.ActorMatches {
			fmt.Printf("  %s (%.2f, %d observations)\n", a.ActorID, a.Score, a.ObservationCount)
		}
	}

	if len(resp.Degraded) > 0 {
		fmt.Printf("\n%s degraded sections: %s\n",
			color.YellowString("!"), strings.Join(resp.Degraded, ", "))
	}
	fmt.Printf("\nRating mode: %s\n", resp.RatingMode)
	return nil
}
