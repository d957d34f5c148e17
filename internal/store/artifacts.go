package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/pubengine/internal/ir"
)

// CaptureBaseline stores content as the baseline of (scope, artifactPath).
//
// Re-capturing identical content is a no-op and keeps the original
// CapturedAt; changed reports whether the row was written.
func (s *Store) CaptureBaseline(ctx context.Context, b ir.BaselineArtifact) (stored ir.BaselineArtifact, changed bool, err error) {
	b.ContentHash = ir.ContentHash(b.Content)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.BaselineArtifact{}, false, fmt.Errorf("capture baseline: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	existing, err := getBaseline(ctx, tx, b.Scope, b.ArtifactPath)
	switch {
	case err == nil && existing.ContentHash == b.ContentHash:
		return existing, false, nil
	case err != nil && !ir.IsNotFound(err):
		return ir.BaselineArtifact{}, false, fmt.Errorf("capture baseline: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO baseline_artifacts (scope, artifact_path, content, content_hash, captured_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope, artifact_path) DO UPDATE SET
			content = excluded.content,
			content_hash = excluded.content_hash,
			captured_at = excluded.captured_at
	`, b.Scope, b.ArtifactPath, b.Content, b.ContentHash, toNanos(b.CapturedAt))
	if err != nil {
		return ir.BaselineArtifact{}, false, fmt.Errorf("capture baseline: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ir.BaselineArtifact{}, false, fmt.Errorf("capture baseline: commit: %w", err)
	}
	b.CapturedAt = fromNanos(toNanos(b.CapturedAt))
	return b, true, nil
}

// GetBaseline returns the baseline of (scope, artifactPath) or NOT_FOUND.
func (s *Store) GetBaseline(ctx context.Context, scope, artifactPath string) (ir.BaselineArtifact, error) {
	return getBaseline(ctx, s.db, scope, artifactPath)
}

func getBaseline(ctx context.Context, q querier, scope, artifactPath string) (ir.BaselineArtifact, error) {
	var (
		b          ir.BaselineArtifact
		capturedAt int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT scope, artifact_path, content, content_hash, captured_at
		FROM baseline_artifacts
		WHERE scope = ? AND artifact_path = ?
	`, scope, artifactPath).Scan(&b.Scope, &b.ArtifactPath, &b.Content, &b.ContentHash, &capturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.BaselineArtifact{}, ir.NewNotFoundError(scope, "baseline", artifactPath)
	}
	if err != nil {
		return ir.BaselineArtifact{}, fmt.Errorf("get baseline: %w", err)
	}
	b.CapturedAt = fromNanos(capturedAt)
	return b, nil
}

// UpsertOverlay inserts or updates the overlay identified by
// (Scope, ArtifactPath, Identity). An update keeps the stored ID and
// CreatedAt and replaces everything else.
func (s *Store) UpsertOverlay(ctx context.Context, o ir.OverlayRecord) (ir.OverlayRecord, error) {
	payload, err := ir.MarshalPayload(o.Payload)
	if err != nil {
		return ir.OverlayRecord{}, fmt.Errorf("upsert overlay: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.OverlayRecord{}, fmt.Errorf("upsert overlay: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	existing, err := getOverlayByIdentity(ctx, tx, o.Scope, o.ArtifactPath, o.Identity)
	switch {
	case err == nil:
		o.ID = existing.ID
		o.CreatedAt = existing.CreatedAt
		_, err = tx.ExecContext(ctx, `
			UPDATE overlay_records
			SET kind = ?, payload = ?, priority = ?, active = ?, summary = ?, updated_at = ?
			WHERE id = ?
		`, string(o.Kind()), string(payload), o.Priority, boolToInt(o.Active), o.Summary, toNanos(o.UpdatedAt), o.ID)
	case ir.IsNotFound(err):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO overlay_records
			(id, scope, artifact_path, identity, kind, payload, priority, active, summary, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, o.ID, o.Scope, o.ArtifactPath, o.Identity, string(o.Kind()), string(payload),
			o.Priority, boolToInt(o.Active), o.Summary, toNanos(o.CreatedAt), toNanos(o.UpdatedAt))
	}
	if err != nil {
		return ir.OverlayRecord{}, fmt.Errorf("upsert overlay: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ir.OverlayRecord{}, fmt.Errorf("upsert overlay: commit: %w", err)
	}
	o.CreatedAt = fromNanos(toNanos(o.CreatedAt))
	o.UpdatedAt = fromNanos(toNanos(o.UpdatedAt))
	return o, nil
}

// SetOverlayActive flips the active flag. Deactivation is the only delete.
func (s *Store) SetOverlayActive(ctx context.Context, scope, id string, active bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE overlay_records SET active = ?, updated_at = ?
		WHERE scope = ? AND id = ?
	`, boolToInt(active), toNanos(at), scope, id)
	if err != nil {
		return fmt.Errorf("set overlay active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set overlay active: %w", err)
	}
	if n == 0 {
		return ir.NewNotFoundError(scope, "overlay", id)
	}
	return nil
}

// GetOverlay returns one overlay by id within scope.
func (s *Store) GetOverlay(ctx context.Context, scope, id string) (ir.OverlayRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+overlayColumns+`
		FROM overlay_records
		WHERE scope = ? AND id = ?
	`, scope, id)
	o, err := scanOverlay(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.OverlayRecord{}, ir.NewNotFoundError(scope, "overlay", id)
	}
	return o, err
}

// GetOverlayByIdentity returns the overlay with the given upsert identity.
func (s *Store) GetOverlayByIdentity(ctx context.Context, scope, artifactPath, identity string) (ir.OverlayRecord, error) {
	return getOverlayByIdentity(ctx, s.db, scope, artifactPath, identity)
}

func getOverlayByIdentity(ctx context.Context, q querier, scope, artifactPath, identity string) (ir.OverlayRecord, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+overlayColumns+`
		FROM overlay_records
		WHERE scope = ? AND artifact_path = ? AND identity = ?
	`, scope, artifactPath, identity)
	o, err := scanOverlay(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.OverlayRecord{}, ir.NewNotFoundError(scope, "overlay", artifactPath+"#"+identity)
	}
	return o, err
}

// ListOverlays returns the overlays of (scope, artifactPath).
// Ordered by priority ASC, updated_at ASC, id ASC: the fold order.
func (s *Store) ListOverlays(ctx context.Context, scope, artifactPath string, activeOnly bool) ([]ir.OverlayRecord, error) {
	query := `
		SELECT ` + overlayColumns + `
		FROM overlay_records
		WHERE scope = ? AND artifact_path = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += `
		ORDER BY priority ASC, updated_at ASC, id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, scope, artifactPath)
	if err != nil {
		return nil, fmt.Errorf("query overlays: %w", err)
	}
	defer rows.Close()

	overlays := []ir.OverlayRecord{}
	for rows.Next() {
		o, err := scanOverlay(rows)
		if err != nil {
			return nil, err
		}
		overlays = append(overlays, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overlays: %w", err)
	}
	return overlays, nil
}

const overlayColumns = `id, scope, artifact_path, identity, kind, payload, priority, active, summary, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOverlay(row rowScanner) (ir.OverlayRecord, error) {
	var (
		o                    ir.OverlayRecord
		kind, payload        string
		active               int
		createdAt, updatedAt int64
	)
	err := row.Scan(&o.ID, &o.Scope, &o.ArtifactPath, &o.Identity, &kind, &payload,
		&o.Priority, &active, &o.Summary, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.OverlayRecord{}, err
		}
		return ir.OverlayRecord{}, fmt.Errorf("scan overlay: %w", err)
	}
	p, err := ir.UnmarshalPayload([]byte(payload))
	if err != nil {
		return ir.OverlayRecord{}, fmt.Errorf("scan overlay %s: %w", o.ID, err)
	}
	if p.Kind() != ir.OverlayKind(kind) {
		return ir.OverlayRecord{}, fmt.Errorf("scan overlay %s: kind column %q disagrees with payload %q", o.ID, kind, p.Kind())
	}
	o.Payload = p
	o.Active = active != 0
	o.CreatedAt = fromNanos(createdAt)
	o.UpdatedAt = fromNanos(updatedAt)
	return o, nil
}
