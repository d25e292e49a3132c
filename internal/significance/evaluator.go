// Package significance scores canonical events to decide whether they are
// worth persisting as observations. The score is the sum of five bounded
// factors; increasing any one factor never decreases the total.
package significance

import (
	"github.com/lightfastai/lightfast-sub011/internal/model"
)

// Factor caps.
const (
	maxEventType  = 30
	maxSubstance  = 25
	maxReferences = 15
	maxTemporal   = 10
	maxActor      = 20

	defaultEventTypeWeight = 10
	actorBaseline          = 10

	// substanceDivisor maps combined title+body length to 0..maxSubstance.
	// 600 chars of body plus a title saturates the factor.
	substanceDivisor = 25
	pointsPerRef     = 3
	maxCountedRefs   = 5
)

// eventTypeWeights maps "source:sourceType" to the 0-30 event-type factor.
// Types not listed score the default.
var eventTypeWeights = map[string]int{
	"github:pull_request.merged": 30,
	"github:pull_request.opened": 20,
	"github:release.published":   28,
	"github:issues.opened":       15,
	"github:issues.closed":       18,
	"linear:issue.create":        15,
	"linear:issue.update":        8,
	"vercel:deployment.succeeded": 25,
	"vercel:deployment.failed":    28,
	"vercel:deployment.canceled":  12,
	"sentry:error.fatal":          28,
	"sentry:error.error":          22,
	"sentry:error.warning":        12,
}

// Factors is the per-factor breakdown of one score.
type Factors struct {
	EventType  int `json:"event_type"`
	Substance  int `json:"substance"`
	References int `json:"references"`
	Temporal   int `json:"temporal"`
	Actor      int `json:"actor"`
}

// Total returns the 0-100 composite score.
func (f Factors) Total() int {
	return f.EventType + f.Substance + f.References + f.Temporal + f.Actor
}

// Evaluator gates events on a composite significance score.
type Evaluator struct {
	threshold int
}

// NewEvaluator creates an Evaluator with the given persistence threshold.
func NewEvaluator(threshold int) *Evaluator {
	if threshold <= 0 {
		threshold = 60
	}
	return &Evaluator{threshold: threshold}
}

// Threshold returns the configured persistence threshold.
func (e *Evaluator) Threshold() int { return e.threshold }

// Score computes the factor breakdown for an event. recentSameSource is the
// count of events from the same source seen in the workspace over the recent
// window; each one shaves 2 points off the temporal-uniqueness factor.
func (e *Evaluator) Score(ev *model.SourceEvent, recentSameSource int) Factors {
	var f Factors

	if w, ok := eventTypeWeights[ev.Source+":"+ev.SourceType]; ok {
		f.EventType = w
	} else {
		f.EventType = defaultEventTypeWeight
	}

	f.Substance = len(ev.Title+ev.Body) / substanceDivisor
	if f.Substance > maxSubstance {
		f.Substance = maxSubstance
	}

	f.References = pointsPerRef * len(ev.References)
	if len(ev.References) > maxCountedRefs {
		f.References = pointsPerRef * maxCountedRefs
	}

	f.Temporal = maxTemporal - 2*recentSameSource
	if f.Temporal < 0 {
		f.Temporal = 0
	}

	// Fixed baseline until actor profile data feeds back into scoring.
	f.Actor = actorBaseline

	return f
}

// Evaluate scores the event and applies the persistence gate. A score below
// the threshold returns ErrBelowThreshold, which is an outcome, not a fault.
func (e *Evaluator) Evaluate(ev *model.SourceEvent, recentSameSource int) (Factors, error) {
	f := e.Score(ev, recentSameSource)
	if f.Total() < e.threshold {
		return f, model.ErrBelowThreshold
	}
	return f, nil
}
