package cli

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lightfastai/lightfast-sub011/internal/actor"
	"github.com/lightfastai/lightfast-sub011/internal/cluster"
	"github.com/lightfastai/lightfast-sub011/internal/config"
	"github.com/lightfastai/lightfast-sub011/internal/embed"
	"github.com/lightfastai/lightfast-sub011/internal/entity"
	"github.com/lightfastai/lightfast-sub011/internal/janitor"
	"github.com/lightfastai/lightfast-sub011/internal/pipeline"
	"github.com/lightfastai/lightfast-sub011/internal/profile"
	"github.com/lightfastai/lightfast-sub011/internal/rater"
	"github.com/lightfastai/lightfast-sub011/internal/retrieval"
	"github.com/lightfastai/lightfast-sub011/internal/significance"
	"github.com/lightfastai/lightfast-sub011/internal/store"
	"github.com/lightfastai/lightfast-sub011/internal/tasks"
	"github.com/lightfastai/lightfast-sub011/internal/temporal"
	"github.com/lightfastai/lightfast-sub011/internal/vector"
)

// runtime holds the wired components shared by the commands.
type runtime struct {
	cfg          *config.Config
	db           *sql.DB
	observations *store.ObservationStore
	vectors      vector.Store
	embedder     embed.Embedder
	rater        *rater.HTTPRater
	entities     *entity.Store
	clusters     *cluster.Store
	dispatcher   tasks.Dispatcher
	pipeline     *pipeline.Pipeline
	governor     *retrieval.Governor
	profiles     *profile.Builder
	janitor      *janitor.Janitor
}

// newRuntime loads config and wires the full component graph. Services
// without configured endpoints are left nil and degrade their stage.
func newRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := store.Open(cfg.Paths.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	rt := &runtime{cfg: cfg, db: db}
	rt.observations = store.NewObservationStore(db)
	rt.entities = entity.NewStore(db)
	rt.clusters = cluster.NewStore(db)

	switch cfg.Vector.Backend {
	case "qdrant":
		rt.vectors = vector.NewQdrantStore(cfg.Vector.QdrantURL, cfg.Vector.Dimension)
	default:
		rt.vectors = vector.NewSQLiteStore(db, cfg.Vector.Dimension)
	}

	var obsEmbedder *embed.ObservationEmbedder
	if cfg.Embedding.APIBase != "" {
		rt.embedder = embed.NewHTTPEmbedder(cfg.Embedding.APIBase, cfg.Embedding.APIKey, cfg.Embedding.Model)
		obsEmbedder = embed.NewObservationEmbedder(rt.embedder, rt.vectors)
	}
	if cfg.Rater.APIBase != "" {
		rt.rater = rater.NewHTTPRater(cfg.Rater.APIBase, cfg.Rater.APIKey, cfg.Rater.Model)
	}

	if cfg.Tasks.KafkaBrokers != "" {
		rt.dispatcher = tasks.NewKafkaDispatcher(cfg.Tasks.KafkaBrokers)
	} else {
		rt.dispatcher = tasks.NewQueueDispatcher(100)
	}

	assigner := cluster.NewAssigner(rt.clusters, rt.vectors, cfg.Pipeline.AffinityThreshold)
	rt.pipeline = pipeline.New(
		rt.observations,
		significance.NewEvaluator(cfg.Pipeline.SignificanceThreshold),
		actor.NewResolver(db),
		obsEmbedder,
		rt.entities,
		assigner,
		temporal.NewTracker(db),
		rt.dispatcher,
	)

	if rt.embedder != nil {
		var rr rater.RelevanceRater
		if rt.rater != nil {
			rr = rt.rater
		}
		rt.governor = retrieval.NewGovernor(
			rt.embedder, rt.vectors, rt.entities, rt.clusters, db, rr,
			cfg.Retrieval.TopK, cfg.Retrieval.Deadline,
		)
	}

	rt.profiles = profile.NewBuilder(db, rt.observations, rt.vectors, cfg.Pipeline.ProfileDebounce)

	var summarizer rater.Summarizer
	if rt.rater != nil {
		summarizer = rt.rater
	}
	rt.janitor = janitor.New(rt.clusters, rt.observations, summarizer, cfg.Pipeline.ClusterInactivity)

	return rt, nil
}

func (rt *runtime) close() {
	if rt.dispatcher != nil {
		rt.dispatcher.Close()
	}
	if rt.db != nil {
		rt.db.Close()
	}
}
