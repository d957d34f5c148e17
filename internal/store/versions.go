package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/pubengine/internal/ir"
)

// VersionTx is the write handle passed to WithVersionLock callbacks.
// All reads made through it see the transaction's own writes.
type VersionTx struct {
	tx       *sql.Tx
	scope    string
	pageType string
}

// Scope returns the scope the lock was taken for.
func (v *VersionTx) Scope() string { return v.scope }

// PageType returns the page type the lock was taken for.
func (v *VersionTx) PageType() string { return v.pageType }

// WithVersionLock runs fn while holding the writer lock of
// (scope, pageType), inside one transaction. fn's error rolls the
// transaction back; a nil return commits it.
//
// fn must read through the VersionTx only. In-memory stores hold a single
// connection, so a Store call from inside fn would block forever.
func (s *Store) WithVersionLock(ctx context.Context, scope, pageType string, fn func(*VersionTx) error) error {
	unlock := s.locks.lock(scope + "\x00" + pageType)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("version lock: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(&VersionTx{tx: tx, scope: scope, pageType: pageType}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("version lock: commit: %w", err)
	}
	return nil
}

// Get returns a version of the locked scope by id.
func (v *VersionTx) Get(ctx context.Context, id string) (ir.ConfigurationVersion, error) {
	return getVersion(ctx, v.tx, v.scope, id)
}

// NextVersionNumber returns max(version_number)+1 for the locked page type.
func (v *VersionTx) NextVersionNumber(ctx context.Context) (int64, error) {
	var top sql.NullInt64
	err := v.tx.QueryRowContext(ctx, `
		SELECT MAX(version_number) FROM configuration_versions
		WHERE scope = ? AND page_type = ?
	`, v.scope, v.pageType).Scan(&top)
	if err != nil {
		return 0, fmt.Errorf("next version number: %w", err)
	}
	return top.Int64 + 1, nil
}

// Effective returns the current published version, or nil.
func (v *VersionTx) Effective(ctx context.Context) (*ir.ConfigurationVersion, error) {
	return effectiveVersion(ctx, v.tx, v.scope, v.pageType)
}

// Insert writes a new version row. The row's scope and page type must
// match the lock.
func (v *VersionTx) Insert(ctx context.Context, cv ir.ConfigurationVersion) error {
	if cv.Scope != v.scope || cv.PageType != v.pageType {
		return fmt.Errorf("insert version: row (%s, %s) outside lock (%s, %s)", cv.Scope, cv.PageType, v.scope, v.pageType)
	}
	tree, err := marshalTree(cv.Tree)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	_, err = v.tx.ExecContext(ctx, `
		INSERT INTO configuration_versions
		(id, scope, page_type, configuration_tree, version_number, status,
		 parent_version_id, current_edit_id, published_at, published_by,
		 acceptance_published_at, acceptance_published_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cv.ID, cv.Scope, cv.PageType, tree, cv.VersionNumber, string(cv.Status),
		nullString(cv.ParentVersionID), nullString(cv.CurrentEditID),
		nullNanos(cv.PublishedAt), nullString(cv.PublishedBy),
		nullNanos(cv.AcceptancePublishedAt), nullString(cv.AcceptancePublishedBy),
		toNanos(cv.CreatedAt), toNanos(cv.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// Update rewrites the mutable columns of an existing row: tree, status,
// current edit pointer and stage stamps.
func (v *VersionTx) Update(ctx context.Context, cv ir.ConfigurationVersion) error {
	tree, err := marshalTree(cv.Tree)
	if err != nil {
		return fmt.Errorf("update version: %w", err)
	}
	res, err := v.tx.ExecContext(ctx, `
		UPDATE configuration_versions
		SET configuration_tree = ?, status = ?, current_edit_id = ?,
		    published_at = ?, published_by = ?,
		    acceptance_published_at = ?, acceptance_published_by = ?,
		    updated_at = ?
		WHERE scope = ? AND page_type = ? AND id = ?
	`,
		tree, string(cv.Status), nullString(cv.CurrentEditID),
		nullNanos(cv.PublishedAt), nullString(cv.PublishedBy),
		nullNanos(cv.AcceptancePublishedAt), nullString(cv.AcceptancePublishedBy),
		toNanos(cv.UpdatedAt),
		v.scope, v.pageType, cv.ID,
	)
	if err != nil {
		return fmt.Errorf("update version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update version: %w", err)
	}
	if n == 0 {
		return ir.NewNotFoundError(v.scope, "version", cv.ID)
	}
	return nil
}

// SetCurrentEdit makes holderID the only row of the page type whose
// current_edit_id is set, pointing it at editID.
func (v *VersionTx) SetCurrentEdit(ctx context.Context, holderID, editID string, at time.Time) error {
	if _, err := v.tx.ExecContext(ctx, `
		UPDATE configuration_versions
		SET current_edit_id = NULL, updated_at = ?
		WHERE scope = ? AND page_type = ? AND current_edit_id IS NOT NULL AND id <> ?
	`, toNanos(at), v.scope, v.pageType, holderID); err != nil {
		return fmt.Errorf("set current edit: clear: %w", err)
	}
	if _, err := v.tx.ExecContext(ctx, `
		UPDATE configuration_versions
		SET current_edit_id = ?, updated_at = ?
		WHERE scope = ? AND page_type = ? AND id = ?
	`, editID, toNanos(at), v.scope, v.pageType, holderID); err != nil {
		return fmt.Errorf("set current edit: %w", err)
	}
	return nil
}

// ClearCurrentEditTo clears every current_edit_id that points at editID.
func (v *VersionTx) ClearCurrentEditTo(ctx context.Context, editID string, at time.Time) error {
	if _, err := v.tx.ExecContext(ctx, `
		UPDATE configuration_versions
		SET current_edit_id = NULL, updated_at = ?
		WHERE scope = ? AND page_type = ? AND current_edit_id = ?
	`, toNanos(at), v.scope, v.pageType, editID); err != nil {
		return fmt.Errorf("clear current edit: %w", err)
	}
	return nil
}

// MarkReverted sets status=reverted on published and acceptance rows with
// after < version_number <= through. Returns the ids changed, ascending.
func (v *VersionTx) MarkReverted(ctx context.Context, after, through int64, at time.Time) ([]string, error) {
	rows, err := v.tx.QueryContext(ctx, `
		SELECT id FROM configuration_versions
		WHERE scope = ? AND page_type = ?
		  AND version_number > ? AND version_number <= ?
		  AND status IN ('published', 'acceptance')
		ORDER BY version_number ASC
	`, v.scope, v.pageType, after, through)
	if err != nil {
		return nil, fmt.Errorf("mark reverted: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("mark reverted: scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mark reverted: %w", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := v.tx.ExecContext(ctx, `
		UPDATE configuration_versions
		SET status = 'reverted', updated_at = ?
		WHERE scope = ? AND page_type = ?
		  AND version_number > ? AND version_number <= ?
		  AND status IN ('published', 'acceptance')
	`, toNanos(at), v.scope, v.pageType, after, through); err != nil {
		return nil, fmt.Errorf("mark reverted: %w", err)
	}
	return ids, nil
}

// GetVersion returns a version by id, scoped.
func (s *Store) GetVersion(ctx context.Context, scope, id string) (ir.ConfigurationVersion, error) {
	return getVersion(ctx, s.db, scope, id)
}

// GetEffective returns the published version with the highest version
// number (ties by latest published_at), or nil when nothing is published.
func (s *Store) GetEffective(ctx context.Context, scope, pageType string) (*ir.ConfigurationVersion, error) {
	return effectiveVersion(ctx, s.db, scope, pageType)
}

// GetLatestAcceptance returns the newest acceptance-stage version, or nil.
func (s *Store) GetLatestAcceptance(ctx context.Context, scope, pageType string) (*ir.ConfigurationVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM configuration_versions
		WHERE scope = ? AND page_type = ? AND status = 'acceptance'
		ORDER BY version_number DESC, id COLLATE BINARY ASC
		LIMIT 1
	`, scope, pageType)
	return optionalVersion(row)
}

// GetHistory returns up to limit versions, newest version number first.
func (s *Store) GetHistory(ctx context.Context, scope, pageType string, limit int) ([]ir.ConfigurationVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM configuration_versions
		WHERE scope = ? AND page_type = ?
		ORDER BY version_number DESC, id COLLATE BINARY ASC
		LIMIT ?
	`, scope, pageType, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	versions := []ir.ConfigurationVersion{}
	for rows.Next() {
		cv, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, cv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return versions, nil
}

// ListPageTypes returns the distinct page types of scope, sorted.
func (s *Store) ListPageTypes(ctx context.Context, scope string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT page_type FROM configuration_versions
		WHERE scope = ?
		ORDER BY page_type COLLATE BINARY ASC
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("list page types: %w", err)
	}
	defer rows.Close()

	pageTypes := []string{}
	for rows.Next() {
		var pt string
		if err := rows.Scan(&pt); err != nil {
			return nil, fmt.Errorf("list page types: scan: %w", err)
		}
		pageTypes = append(pageTypes, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list page types: %w", err)
	}
	return pageTypes, nil
}

const versionColumns = `id, scope, page_type, configuration_tree, version_number, status,
		parent_version_id, current_edit_id, published_at, published_by,
		acceptance_published_at, acceptance_published_by, created_at, updated_at`

func getVersion(ctx context.Context, q querier, scope, id string) (ir.ConfigurationVersion, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM configuration_versions
		WHERE scope = ? AND id = ?
	`, scope, id)
	cv, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.ConfigurationVersion{}, ir.NewNotFoundError(scope, "version", id)
	}
	return cv, err
}

func effectiveVersion(ctx context.Context, q querier, scope, pageType string) (*ir.ConfigurationVersion, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM configuration_versions
		WHERE scope = ? AND page_type = ? AND status = 'published'
		ORDER BY version_number DESC, published_at DESC, id COLLATE BINARY ASC
		LIMIT 1
	`, scope, pageType)
	return optionalVersion(row)
}

func optionalVersion(row *sql.Row) (*ir.ConfigurationVersion, error) {
	cv, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cv, nil
}

func scanVersion(row rowScanner) (ir.ConfigurationVersion, error) {
	var (
		cv                   ir.ConfigurationVersion
		tree, status         string
		parent, currentEdit  sql.NullString
		publishedBy, accBy   sql.NullString
		publishedAt, accAt   sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&cv.ID, &cv.Scope, &cv.PageType, &tree, &cv.VersionNumber, &status,
		&parent, &currentEdit, &publishedAt, &publishedBy, &accAt, &accBy, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.ConfigurationVersion{}, err
		}
		return ir.ConfigurationVersion{}, fmt.Errorf("scan version: %w", err)
	}
	t, err := unmarshalTree(tree)
	if err != nil {
		return ir.ConfigurationVersion{}, fmt.Errorf("scan version %s: %w", cv.ID, err)
	}
	cv.Tree = t
	cv.Status = ir.Stage(status)
	cv.ParentVersionID = fromNullString(parent)
	cv.CurrentEditID = fromNullString(currentEdit)
	cv.PublishedAt = fromNullNanos(publishedAt)
	cv.PublishedBy = fromNullString(publishedBy)
	cv.AcceptancePublishedAt = fromNullNanos(accAt)
	cv.AcceptancePublishedBy = fromNullString(accBy)
	cv.CreatedAt = fromNanos(createdAt)
	cv.UpdatedAt = fromNanos(updatedAt)
	return cv, nil
}
