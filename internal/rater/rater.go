// Package rater isolates the non-deterministic text-generation service
// behind two narrow interfaces: candidate relevance rating for the
// precision stage, and prose summary generation for clusters. Both have
// deterministic fallbacks at the call sites.
package rater

import (
	"context"
)

// Candidate is one retrieval candidate submitted for rating.
type Candidate struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Type    string `json:"type"`
	Source  string `json:"source"`
	ActorID string `json:"actor_id,omitempty"`
}

// Rating is the 0-1 relevance judgment for one candidate.
type Rating struct {
	ID        string  `json:"id"`
	Relevance float64 `json:"relevance"`
	Reason    string  `json:"reason"`
}

// RelevanceRater rates candidates against a query.
type RelevanceRater interface {
	Rate(ctx context.Context, query string, candidates []Candidate) ([]Rating, error)
}

// Summarizer generates prose summaries for clusters.
type Summarizer interface {
	Summarize(ctx context.Context, topicLabel string, titles []string) (string, error)
}
