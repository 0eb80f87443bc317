package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Checkpoint marks replay progress for one projection, optionally scoped to
// one tenant (empty BusinessID = whole system). Unlike events, checkpoints
// are mutable, deletable, and rebuildable operational state.
type Checkpoint struct {
	ProjectionName string
	BusinessID     string
	LastEventID    string
	LastReceivedAt time.Time
	UpdatedAt      time.Time
}

// SaveCheckpoint upserts the checkpoint row keyed by
// (projection_name, business_id).
func (s *SQLStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.ProjectionName == "" {
		return errors.New("eventstore: checkpoint requires a projection name")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replay_checkpoints (projection_name, business_id, last_event_id, last_received_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (projection_name, business_id) DO UPDATE SET
			last_event_id = $3,
			last_received_at = $4,
			updated_at = $5`,
		cp.ProjectionName, cp.BusinessID, cp.LastEventID, sqlTime{cp.LastReceivedAt}, sqlTime{cp.UpdatedAt},
	)
	if err != nil {
		return fmt.Errorf("eventstore: save checkpoint %s/%s: %w", cp.ProjectionName, cp.BusinessID, err)
	}
	return nil
}

// LoadCheckpoint returns the saved checkpoint, or nil when none exists.
func (s *SQLStore) LoadCheckpoint(ctx context.Context, projectionName, businessID string) (*Checkpoint, error) {
	var (
		cp                    Checkpoint
		lastReceived, updated sqlTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT projection_name, business_id, last_event_id, last_received_at, updated_at
		FROM replay_checkpoints
		WHERE projection_name = $1 AND business_id = $2`,
		projectionName, businessID,
	).Scan(&cp.ProjectionName, &cp.BusinessID, &cp.LastEventID, &lastReceived, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: load checkpoint %s/%s: %w", projectionName, businessID, err)
	}
	cp.LastReceivedAt = lastReceived.Time
	cp.UpdatedAt = updated.Time
	return &cp, nil
}

// DeleteCheckpoint removes the checkpoint row if present.
func (s *SQLStore) DeleteCheckpoint(ctx context.Context, projectionName, businessID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM replay_checkpoints
		WHERE projection_name = $1 AND business_id = $2`,
		projectionName, businessID,
	)
	if err != nil {
		return fmt.Errorf("eventstore: delete checkpoint %s/%s: %w", projectionName, businessID, err)
	}
	return nil
}
