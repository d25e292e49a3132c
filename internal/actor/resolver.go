// Package actor resolves source-system identities to canonical actors.
package actor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lightfastai/lightfast-sub011/internal/model"
	"github.com/lightfastai/lightfast-sub011/internal/store"
)

// Mapping methods recorded on identity rows.
const (
	MethodExact      = "exact"
	MethodEmailMatch = "email_match"
	MethodNewActor   = "new_actor"
	MethodSystem     = "system"
)

// Resolver maps (source, sourceID) pairs to canonical actor ids using
// tiered resolution: exact identity match, email match, then mint.
type Resolver struct {
	db *sql.DB
}

// NewResolver creates a Resolver on the shared database handle.
func NewResolver(db *sql.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve returns the identity row for the event's actor, creating one if
// needed. A nil actor resolves to the reserved system actor. Resolving the
// same (source, sourceID) twice always yields the same canonical actor.
func (r *Resolver) Resolve(ctx context.Context, workspaceID, source string, ev *model.EventActor) (*model.ActorIdentity, error) {
	if ev == nil || ev.ID == "" {
		return &model.ActorIdentity{
			WorkspaceID:     workspaceID,
			Source:          source,
			CanonicalActor:  model.SystemActorID,
			MappingMethod:   MethodSystem,
			ConfidenceScore: 1.0,
		}, nil
	}

	// Tier 1: exact identity match.
	if id, err := r.lookup(ctx, workspaceID, source, ev.ID); err != nil {
		return nil, err
	} else if id != nil {
		return id, nil
	}

	// Tier 2: another identity in the workspace shares this email.
	if ev.Email != "" {
		var canonical string
		err := r.db.QueryRowContext(ctx, `
			SELECT canonical_actor_id FROM actor_identities
			WHERE workspace_id = ? AND source_email = ?
			ORDER BY created_at ASC LIMIT 1`,
			workspaceID, ev.Email).Scan(&canonical)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("email lookup: %w", err)
		}
		if err == nil {
			return r.create(ctx, &model.ActorIdentity{
				WorkspaceID:     workspaceID,
				Source:          source,
				SourceID:        ev.ID,
				CanonicalActor:  canonical,
				SourceUsername:  ev.Name,
				SourceEmail:     ev.Email,
				MappingMethod:   MethodEmailMatch,
				ConfidenceScore: 0.85,
			})
		}
	}

	// Tier 3: mint a new canonical actor.
	return r.create(ctx, &model.ActorIdentity{
		WorkspaceID:     workspaceID,
		Source:          source,
		SourceID:        ev.ID,
		CanonicalActor:  uuid.NewString(),
		SourceUsername:  ev.Name,
		SourceEmail:     ev.Email,
		MappingMethod:   MethodNewActor,
		ConfidenceScore: 1.0,
	})
}

// create inserts a new identity row. A unique-constraint violation means a
// concurrent writer won the create; the winner's row is returned instead of
// an error.
func (r *Resolver) create(ctx context.Context, id *model.ActorIdentity) (*model.ActorIdentity, error) {
	id.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO actor_identities (workspace_id, source, source_id, canonical_actor_id,
			source_username, source_email, mapping_method, confidence_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.WorkspaceID, id.Source, id.SourceID, id.CanonicalActor,
		id.SourceUsername, id.SourceEmail, id.MappingMethod, id.ConfidenceScore, id.CreatedAt)
	if store.IsUniqueViolation(err) {
		slog.Debug("Identity create lost race, re-reading",
			"workspace", id.WorkspaceID, "source", id.Source, "source_id", id.SourceID)
		winner, lookupErr := r.lookup(ctx, id.WorkspaceID, id.Source, id.SourceID)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if winner == nil {
			return nil, fmt.Errorf("%w: identity vanished after conflict", model.ErrRaceConflict)
		}
		return winner, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert identity: %w", err)
	}
	return id, nil
}

func (r *Resolver) lookup(ctx context.Context, workspaceID, source, sourceID string) (*model.ActorIdentity, error) {
	var id model.ActorIdentity
	var username, email sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT workspace_id, source, source_id, canonical_actor_id, source_username,
			source_email, mapping_method, confidence_score, created_at
		FROM actor_identities
		WHERE workspace_id = ? AND source = ? AND source_id = ?`,
		workspaceID, source, sourceID).Scan(
		&id.WorkspaceID, &id.Source, &id.SourceID, &id.CanonicalActor,
		&username, &email, &id.MappingMethod, &id.ConfidenceScore, &id.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity lookup: %w", err)
	}
	id.SourceUsername = username.String
	id.SourceEmail = email.String
	return &id, nil
}

// Identities returns all identity rows mapped to one canonical actor.
func (r *Resolver) Identities(ctx context.Context, workspaceID, canonicalActorID string) ([]model.ActorIdentity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT workspace_id, source, source_id, canonical_actor_id, source_username,
			source_email, mapping_method, confidence_score, created_at
		FROM actor_identities
		WHERE workspace_id = ? AND canonical_actor_id = ?
		ORDER BY created_at ASC`,
		workspaceID, canonicalActorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ActorIdentity
	for rows.Next() {
		var id model.ActorIdentity
		var username, email sql.NullString
		if err := rows.Scan(&id.WorkspaceID, &id.Source, &id.SourceID, &id.CanonicalActor,
			&username, &email, &id.MappingMethod, &id.ConfidenceScore, &id.CreatedAt); err != nil {
			continue
		}
		id.SourceUsername = username.String
		id.SourceEmail = email.String
		out = append(out, id)
	}
	return out, rows.Err()
}
