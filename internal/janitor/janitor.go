// Package janitor runs scheduled maintenance: closing inactive clusters and
// generating summaries for clusters that have accumulated enough members.
package janitor

import (
	"context"
	"log/slog"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/lightfastai/lightfast-sub011/internal/cluster"
	"github.com/lightfastai/lightfast-sub011/internal/rater"
	"github.com/lightfastai/lightfast-sub011/internal/store"
)

const (
	summaryMinMembers = 3
	summaryBatchSize  = 20
	summaryTitleLimit = 50
)

// Janitor owns the cron schedule for background maintenance.
type Janitor struct {
	clusters     *cluster.Store
	observations *store.ObservationStore
	summarizer   rater.Summarizer
	inactivity   time.Duration
	cron         *rcron.Cron
}

// New creates a Janitor. summarizer may be nil; summary generation is then
// skipped.
func New(clusters *cluster.Store, observations *store.ObservationStore, summarizer rater.Summarizer, inactivity time.Duration) *Janitor {
	if inactivity <= 0 {
		inactivity = 7 * 24 * time.Hour
	}
	return &Janitor{
		clusters:     clusters,
		observations: observations,
		summarizer:   summarizer,
		inactivity:   inactivity,
	}
}

// Start registers the jobs and begins the schedule. closeSpec and
// summarySpec are standard five-field cron expressions.
func (j *Janitor) Start(ctx context.Context, closeSpec, summarySpec string) error {
	j.cron = rcron.New()
	if _, err := j.cron.AddFunc(closeSpec, func() { j.CloseInactive(ctx) }); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc(summarySpec, func() { j.SummarizePending(ctx) }); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the schedule and waits for running jobs.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

// CloseInactive closes clusters with no activity inside the inactivity
// window.
func (j *Janitor) CloseInactive(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.inactivity)
	n, err := j.clusters.CloseInactive(ctx, cutoff)
	if err != nil {
		slog.Error("Closing inactive clusters failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Closed inactive clusters", "count", n, "cutoff", cutoff)
	}
}

// SummarizePending generates summaries for open clusters that have enough
// members and none yet.
func (j *Janitor) SummarizePending(ctx context.Context) {
	if j.summarizer == nil {
		return
	}
	pending, err := j.clusters.NeedingSummary(ctx, summaryMinMembers, summaryBatchSize)
	if err != nil {
		slog.Error("Listing clusters needing summaries failed", "error", err)
		return
	}
	for _, c := range pending {
		if err := j.SummarizeCluster(ctx, c.ID); err != nil {
			slog.Warn("Cluster summary failed", "cluster_id", c.ID, "error", err)
		}
	}
}

// SummarizeCluster regenerates the summary for one cluster. Also used as
// the cluster-summary task handler.
func (j *Janitor) SummarizeCluster(ctx context.Context, clusterID string) error {
	if j.summarizer == nil {
		return nil
	}
	c, err := j.clusters.Get(ctx, clusterID)
	if err != nil {
		return err
	}
	titles, err := j.observations.TitlesByCluster(ctx, clusterID, summaryTitleLimit)
	if err != nil {
		return err
	}
	if len(titles) < summaryMinMembers {
		return nil
	}
	summary, err := j.summarizer.Summarize(ctx, c.TopicLabel, titles)
	if err != nil {
		return err
	}
	return j.clusters.SetSummary(ctx, clusterID, summary)
}
