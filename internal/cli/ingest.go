package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lightfastai/lightfast-sub011/internal/event"
	"github.com/lightfastai/lightfast-sub011/internal/pipeline"
)

var (
	ingestSource string
	ingestFile   string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a source event payload",
	Long:  "Reads a raw webhook payload from --file or stdin, normalizes it, and runs it through the observation pipeline.",
	RunE:  runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestSource, "source", "s", "", "Event source: github, linear, vercel, sentry")
	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "", "Payload file (defaults to stdin)")
	ingestCmd.MarkFlagRequired("source")
}

func runIngest(cmd *cobra.Command, args []string) error {
	var payload []byte
	var err error
	if ingestFile != "" {
		payload, err = os.ReadFile(ingestFile)
	} else {
		payload, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	ev, err := event.Normalize(ingestSource, payload)
	if err != nil {
		return fmt.Errorf("normalize: %w", err)
	}

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	res, err := rt.pipeline.Ingest(context.Background(), workspaceID, ev)
	if err != nil {
		return err
	}

	switch res.Outcome {
	case pipeline.OutcomePersisted:
		fmt.Printf("%s observation %s (significance %d)\n",
			color.GreenString("Persisted"), res.ObservationID, res.Significance.Total())
		if res.ClusterID != "" {
			state := "joined"
			if res.ClusterIsNew {
				state = "seeded"
			}
			fmt.Printf("Cluster:  %s %s\n", state, res.ClusterID)
		}
		if res.EntityCount > 0 {
			fmt.Printf("Entities: %d extracted\n", res.EntityCount)
		}
	case pipeline.OutcomeDiscarded:
		fmt.Printf("%s below threshold (significance %d)\n",
			color.YellowString("Discarded"), res.Significance.Total())
	case pipeline.OutcomeDuplicate:
		fmt.Printf("%s already captured, no-op\n", color.YellowString("Duplicate"))
	}
	return nil
}
