package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lightfastai/lightfast-sub011/internal/tasks"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background task worker and maintenance jobs",
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	printHeader("Lightfast Worker")

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var source tasks.Source
	if rt.cfg.Tasks.KafkaBrokers != "" {
		ks := tasks.NewKafkaSource(rt.cfg.Tasks.KafkaBrokers, rt.cfg.Tasks.ConsumerGroup,
			[]string{tasks.CategoryProfileUpdate, tasks.CategoryClusterSummary})
		ks.Start(ctx)
		defer ks.Close()
		source = ks
		fmt.Println("Tasks: consuming from Kafka (" + rt.cfg.Tasks.KafkaBrokers + ")")
	} else {
		qd, ok := rt.dispatcher.(*tasks.QueueDispatcher)
		if !ok {
			return fmt.Errorf("no task source configured")
		}
		source = qd
		fmt.Println("Tasks: in-process queue (only tasks from this process)")
	}

	worker := tasks.NewWorker(source)
	worker.Register(tasks.CategoryProfileUpdate, rt.cfg.Tasks.MaxConcProfile, func(ctx context.Context, t tasks.Task) error {
		_, err := rt.profiles.Rebuild(ctx, t.WorkspaceID, t.ActorID)
		return err
	})
	worker.Register(tasks.CategoryClusterSummary, rt.cfg.Tasks.MaxConcSummary, func(ctx context.Context, t tasks.Task) error {
		return rt.janitor.SummarizeCluster(ctx, t.ClusterID)
	})

	if rt.cfg.Janitor.Enabled {
		if err := rt.janitor.Start(ctx, rt.cfg.Janitor.CloseSpec, rt.cfg.Janitor.SummarySpec); err != nil {
			return fmt.Errorf("start janitor: %w", err)
		}
		defer rt.janitor.Stop()
		fmt.Println("Janitor: scheduled")
	}

	fmt.Println("Worker running. Ctrl+C to stop.")
	worker.Run(ctx)
	return nil
}
