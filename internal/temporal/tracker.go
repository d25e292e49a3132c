// Package temporal maintains bi-temporal (SCD2) state history for tracked
// entities. Each (workspace, entityType, entityID, stateType) key has at
// most one current row at any instant.
package temporal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lightfastai/lightfast-sub011/internal/model"
)

// StateChange describes one state transition to record.
type StateChange struct {
	WorkspaceID string
	EntityType  string // "service", "issue", "project"
	EntityID    string
	StateType   string // "deploy_status", "issue_state", "progress"
	StateValue  string
	EffectiveAt time.Time
	ActorID     string
	SourceObsID string
}

// Tracker records and queries SCD2 state rows.
type Tracker struct {
	db *sql.DB
}

// NewTracker creates a Tracker on the shared handle.
func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// RecordStateChange closes the current row for the key (if any) and inserts
// the new one, in a single transaction. Under concurrent writers for the
// same key the "at most one current row" invariant holds because both
// statements commit atomically. A change effective before the current row's
// validFrom is rejected with ErrValidation.
func (t *Tracker) RecordStateChange(ctx context.Context, sc StateChange) error {
	if sc.StateValue == "" {
		return fmt.Errorf("%w: empty state value", model.ErrValidation)
	}
	if sc.EffectiveAt.IsZero() {
		sc.EffectiveAt = time.Now().UTC()
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Out-of-order arrival: a change effective before the current row began
	// is stale. Recording it would close that row with valid_to < valid_from
	// and leave overlapping windows.
	var currentFrom time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT valid_from FROM temporal_states
		WHERE workspace_id = ? AND entity_type = ? AND entity_id = ? AND state_type = ?
			AND is_current = 1`,
		sc.WorkspaceID, sc.EntityType, sc.EntityID, sc.StateType).Scan(&currentFrom)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read current state: %w", err)
	}
	if err == nil && sc.EffectiveAt.Before(currentFrom) {
		return fmt.Errorf("%w: state change effective %s precedes current state from %s",
			model.ErrValidation, sc.EffectiveAt.Format(time.RFC3339), currentFrom.Format(time.RFC3339))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE temporal_states SET valid_to = ?, is_current = 0
		WHERE workspace_id = ? AND entity_type = ? AND entity_id = ? AND state_type = ?
			AND is_current = 1`,
		sc.EffectiveAt, sc.WorkspaceID, sc.EntityType, sc.EntityID, sc.StateType)
	if err != nil {
		return fmt.Errorf("close current state: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO temporal_states (workspace_id, entity_type, entity_id, state_type,
			state_value, valid_from, valid_to, is_current, changed_by_actor_id, source_observation_id)
		VALUES (?, ?, ?, ?, ?, ?, NULL, 1, ?, ?)`,
		sc.WorkspaceID, sc.EntityType, sc.EntityID, sc.StateType,
		sc.StateValue, sc.EffectiveAt, nullableStr(sc.ActorID), nullableStr(sc.SourceObsID))
	if err != nil {
		return fmt.Errorf("insert state: %w", err)
	}

	return tx.Commit()
}

// StateAt returns the state valid at pointInTime for the key: the row where
// validFrom <= pointInTime and (validTo is null or validTo > pointInTime).
// At most one row qualifies by invariant.
func (t *Tracker) StateAt(ctx context.Context, workspaceID, entityType, entityID, stateType string, pointInTime time.Time) (*model.TemporalState, error) {
	row := t.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, entity_type, entity_id, state_type, state_value,
			valid_from, valid_to, is_current, changed_by_actor_id, source_observation_id
		FROM temporal_states
		WHERE workspace_id = ? AND entity_type = ? AND entity_id = ? AND state_type = ?
			AND valid_from <= ? AND (valid_to IS NULL OR valid_to > ?)`,
		workspaceID, entityType, entityID, stateType, pointInTime, pointInTime)

	st, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no state for %s/%s/%s at %s",
			model.ErrNotFound, entityType, entityID, stateType, pointInTime.Format(time.RFC3339))
	}
	return st, err
}

// CurrentState returns the current row for the key, or ErrNotFound.
func (t *Tracker) CurrentState(ctx context.Context, workspaceID, entityType, entityID, stateType string) (*model.TemporalState, error) {
	row := t.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, entity_type, entity_id, state_type, state_value,
			valid_from, valid_to, is_current, changed_by_actor_id, source_observation_id
		FROM temporal_states
		WHERE workspace_id = ? AND entity_type = ? AND entity_id = ? AND state_type = ?
			AND is_current = 1`,
		workspaceID, entityType, entityID, stateType)

	st, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no current state for %s/%s/%s",
			model.ErrNotFound, entityType, entityID, stateType)
	}
	return st, err
}

// ExtractFromObservation derives state changes heuristically from
// observation metadata. Best-effort: extraction failures are logged and
// never block observation persistence.
func (t *Tracker) ExtractFromObservation(ctx context.Context, obs *model.Observation, metadata map[string]string) {
	for _, sc := range DeriveStateChanges(obs, metadata) {
		if err := t.RecordStateChange(ctx, sc); err != nil {
			slog.Warn("State extraction failed", "observation", obs.ID,
				"state_type", sc.StateType, "error", err)
		}
	}
}

// DeriveStateChanges maps observation metadata to state transitions:
// deployment status per service, issue state per ticket, and a project
// progress marker when a PR merges to the default branch.
func DeriveStateChanges(obs *model.Observation, metadata map[string]string) []StateChange {
	var out []StateChange

	switch obs.Source {
	case "vercel":
		if status := metadata["deploy_status"]; status != "" {
			project := metadata["project"]
			if project == "" {
				project = "unknown"
			}
			out = append(out, StateChange{
				WorkspaceID: obs.WorkspaceID,
				EntityType:  "service",
				EntityID:    project,
				StateType:   "deploy_status",
				StateValue:  status,
				EffectiveAt: obs.OccurredAt,
				ActorID:     obs.ActorID,
				SourceObsID: obs.ID,
			})
		}
	case "github":
		if state := metadata["issue_state"]; state != "" && metadata["issue_number"] != "" {
			out = append(out, StateChange{
				WorkspaceID: obs.WorkspaceID,
				EntityType:  "issue",
				EntityID:    metadata["repository"] + "#" + metadata["issue_number"],
				StateType:   "issue_state",
				StateValue:  state,
				EffectiveAt: obs.OccurredAt,
				ActorID:     obs.ActorID,
				SourceObsID: obs.ID,
			})
		}
		if obs.SourceType == "pull_request.merged" && isDefaultBranch(metadata["target_branch"]) {
			out = append(out, StateChange{
				WorkspaceID: obs.WorkspaceID,
				EntityType:  "project",
				EntityID:    metadata["repository"],
				StateType:   "progress",
				StateValue:  obs.Title,
				EffectiveAt: obs.OccurredAt,
				ActorID:     obs.ActorID,
				SourceObsID: obs.ID,
			})
		}
	case "linear":
		if state := metadata["issue_state"]; state != "" && metadata["identifier"] != "" {
			out = append(out, StateChange{
				WorkspaceID: obs.WorkspaceID,
				EntityType:  "issue",
				EntityID:    metadata["identifier"],
				StateType:   "issue_state",
				StateValue:  state,
				EffectiveAt: obs.OccurredAt,
				ActorID:     obs.ActorID,
				SourceObsID: obs.ID,
			})
		}
	}

	return out
}

func isDefaultBranch(branch string) bool {
	b := strings.ToLower(branch)
	return b == "main" || b == "master"
}

func scanState(row *sql.Row) (*model.TemporalState, error) {
	var st model.TemporalState
	var validTo sql.NullTime
	var actorID, sourceObs sql.NullString
	err := row.Scan(&st.ID, &st.WorkspaceID, &st.EntityType, &st.EntityID, &st.StateType,
		&st.StateValue, &st.ValidFrom, &validTo, &st.IsCurrent, &actorID, &sourceObs)
	if err != nil {
		return nil, err
	}
	if validTo.Valid {
		st.ValidTo = &validTo.Time
	}
	st.ChangedByActorID = actorID.String
	st.SourceObsID = sourceObs.String
	return &st, nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
