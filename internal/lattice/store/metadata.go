package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// NamespaceSpriteMetadata is the namespace used by the fleet manager for
// per-sprite tags and desired-state persistence. The schema is stable: it is
// the restore source on startup.
const NamespaceSpriteMetadata = "sprite_metadata"

// ErrMetadataNotFound is returned by GetMetadata when no row exists.
var ErrMetadataNotFound = errors.New("store: metadata not found")

// SpriteMetadata is the persisted Lattice-local state for one sprite.
type SpriteMetadata struct {
	// Tags are free-form labels, not round-tripped to the worker API.
	Tags map[string]string
	// DesiredState is the optional desired lifecycle state ("" when unset).
	DesiredState string
}

// PutMetadata upserts the metadata row for (namespace, id).
func (s *Store) PutMetadata(ctx context.Context, namespace, id string, md SpriteMetadata) error {
	tags := md.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	var desired sql.NullString
	if md.DesiredState != "" {
		desired = sql.NullString{String: md.DesiredState, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sprite_metadata (namespace, id, tags_json, desired_state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, id) DO UPDATE SET
			tags_json     = excluded.tags_json,
			desired_state = excluded.desired_state,
			updated_at    = excluded.updated_at
	`, namespace, id, string(tagsJSON), desired, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to put metadata %s/%s: %w", namespace, id, err)
	}
	return nil
}

// GetMetadata returns the metadata for (namespace, id) or ErrMetadataNotFound.
func (s *Store) GetMetadata(ctx context.Context, namespace, id string) (SpriteMetadata, error) {
	var tagsJSON string
	var desired sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT tags_json, desired_state FROM sprite_metadata
		WHERE namespace = ? AND id = ?
	`, namespace, id).Scan(&tagsJSON, &desired)
	if errors.Is(err, sql.ErrNoRows) {
		return SpriteMetadata{}, ErrMetadataNotFound
	}
	if err != nil {
		return SpriteMetadata{}, fmt.Errorf("failed to get metadata %s/%s: %w", namespace, id, err)
	}

	md := SpriteMetadata{Tags: map[string]string{}}
	if err := json.Unmarshal([]byte(tagsJSON), &md.Tags); err != nil {
		return SpriteMetadata{}, fmt.Errorf("failed to decode tags for %s/%s: %w", namespace, id, err)
	}
	if desired.Valid {
		md.DesiredState = desired.String
	}
	return md, nil
}

// ListMetadata returns every metadata row in a namespace keyed by id.
func (s *Store) ListMetadata(ctx context.Context, namespace string) (map[string]SpriteMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tags_json, desired_state FROM sprite_metadata
		WHERE namespace = ?
	`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata %s: %w", namespace, err)
	}
	defer rows.Close()

	out := make(map[string]SpriteMetadata)
	for rows.Next() {
		var id, tagsJSON string
		var desired sql.NullString
		if err := rows.Scan(&id, &tagsJSON, &desired); err != nil {
			return nil, fmt.Errorf("failed to scan metadata row: %w", err)
		}
		md := SpriteMetadata{Tags: map[string]string{}}
		if err := json.Unmarshal([]byte(tagsJSON), &md.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags for %s/%s: %w", namespace, id, err)
		}
		if desired.Valid {
			md.DesiredState = desired.String
		}
		out[id] = md
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metadata: %w", err)
	}
	return out, nil
}

// DeleteMetadata removes the row for (namespace, id). Idempotent.
func (s *Store) DeleteMetadata(ctx context.Context, namespace, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sprite_metadata WHERE namespace = ? AND id = ?
	`, namespace, id)
	if err != nil {
		return fmt.Errorf("failed to delete metadata %s/%s: %w", namespace, id, err)
	}
	return nil
}
