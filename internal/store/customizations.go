package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/pubengine/internal/ir"
)

// UpsertCustomization inserts or replaces a customization keyed by
// (Scope, ID). An update keeps the stored CreatedAt.
func (s *Store) UpsertCustomization(ctx context.Context, c ir.CustomizationRecord) (ir.CustomizationRecord, error) {
	data, err := ir.MarshalData(c.Data)
	if err != nil {
		return ir.CustomizationRecord{}, fmt.Errorf("upsert customization: %w", err)
	}
	deps, err := marshalStrings(c.Dependencies)
	if err != nil {
		return ir.CustomizationRecord{}, fmt.Errorf("upsert customization: %w", err)
	}
	conflicts, err := marshalStrings(c.ConflictsWith)
	if err != nil {
		return ir.CustomizationRecord{}, fmt.Errorf("upsert customization: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.CustomizationRecord{}, fmt.Errorf("upsert customization: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var createdAt int64
	err = tx.QueryRowContext(ctx, `
		SELECT created_at FROM customization_records WHERE scope = ? AND id = ?
	`, c.Scope, c.ID).Scan(&createdAt)
	switch {
	case err == nil:
		c.CreatedAt = fromNanos(createdAt)
	case errors.Is(err, sql.ErrNoRows):
	default:
		return ir.CustomizationRecord{}, fmt.Errorf("upsert customization: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO customization_records
		(id, scope, target, type, data, priority, dependencies, conflicts_with, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, id) DO UPDATE SET
			target = excluded.target,
			type = excluded.type,
			data = excluded.data,
			priority = excluded.priority,
			dependencies = excluded.dependencies,
			conflicts_with = excluded.conflicts_with,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, c.ID, c.Scope, c.Target, string(c.Type()), string(data), c.Priority, deps, conflicts,
		boolToInt(c.Active), toNanos(c.CreatedAt), toNanos(c.UpdatedAt))
	if err != nil {
		return ir.CustomizationRecord{}, fmt.Errorf("upsert customization: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ir.CustomizationRecord{}, fmt.Errorf("upsert customization: commit: %w", err)
	}
	c.CreatedAt = fromNanos(toNanos(c.CreatedAt))
	c.UpdatedAt = fromNanos(toNanos(c.UpdatedAt))
	return c, nil
}

// SetCustomizationActive flips the active flag of one customization.
func (s *Store) SetCustomizationActive(ctx context.Context, scope, id string, active bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customization_records SET active = ?, updated_at = ?
		WHERE scope = ? AND id = ?
	`, boolToInt(active), toNanos(at), scope, id)
	if err != nil {
		return fmt.Errorf("set customization active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set customization active: %w", err)
	}
	if n == 0 {
		return ir.NewNotFoundError(scope, "customization", id)
	}
	return nil
}

// GetCustomization returns one customization by id within scope.
func (s *Store) GetCustomization(ctx context.Context, scope, id string) (ir.CustomizationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+customizationColumns+`
		FROM customization_records
		WHERE scope = ? AND id = ?
	`, scope, id)
	c, err := scanCustomization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.CustomizationRecord{}, ir.NewNotFoundError(scope, "customization", id)
	}
	return c, err
}

// ListCustomizations returns the active customizations of (scope, target),
// ordered by priority DESC, id ASC. An empty target lists the whole scope.
func (s *Store) ListCustomizations(ctx context.Context, scope, target string) ([]ir.CustomizationRecord, error) {
	query := `
		SELECT ` + customizationColumns + `
		FROM customization_records
		WHERE scope = ? AND active = 1`
	args := []any{scope}
	if target != "" {
		query += ` AND target = ?`
		args = append(args, target)
	}
	query += `
		ORDER BY priority DESC, id COLLATE BINARY ASC`
	return s.queryCustomizations(ctx, query, args...)
}

// ListRegistrations returns the active bindings of kind for name, in
// dispatch order: priority ASC, id ASC.
func (s *Store) ListRegistrations(ctx context.Context, scope string, kind ir.RegistrationKind, name string) ([]ir.Registration, error) {
	typ := ir.TypeEventBinding
	if kind == ir.RegistrationHook {
		typ = ir.TypeHookBinding
	}
	records, err := s.queryCustomizations(ctx, `
		SELECT `+customizationColumns+`
		FROM customization_records
		WHERE scope = ? AND type = ? AND target = ? AND active = 1
		ORDER BY priority ASC, id COLLATE BINARY ASC
	`, scope, string(typ), name)
	if err != nil {
		return nil, err
	}
	regs := make([]ir.Registration, 0, len(records))
	for _, rec := range records {
		if reg, ok := rec.AsRegistration(); ok {
			regs = append(regs, reg)
		}
	}
	return regs, nil
}

func (s *Store) queryCustomizations(ctx context.Context, query string, args ...any) ([]ir.CustomizationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query customizations: %w", err)
	}
	defer rows.Close()

	records := []ir.CustomizationRecord{}
	for rows.Next() {
		c, err := scanCustomization(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate customizations: %w", err)
	}
	return records, nil
}

const customizationColumns = `id, scope, target, type, data, priority, dependencies, conflicts_with, active, created_at, updated_at`

func scanCustomization(row rowScanner) (ir.CustomizationRecord, error) {
	var (
		c                    ir.CustomizationRecord
		typ, data            string
		deps, conflicts      string
		active               int
		createdAt, updatedAt int64
	)
	err := row.Scan(&c.ID, &c.Scope, &c.Target, &typ, &data, &c.Priority, &deps, &conflicts,
		&active, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.CustomizationRecord{}, err
		}
		return ir.CustomizationRecord{}, fmt.Errorf("scan customization: %w", err)
	}
	if c.Data, err = ir.UnmarshalData(ir.CustomizationType(typ), []byte(data)); err != nil {
		return ir.CustomizationRecord{}, fmt.Errorf("scan customization %s: %w", c.ID, err)
	}
	if c.Dependencies, err = unmarshalStrings(deps); err != nil {
		return ir.CustomizationRecord{}, fmt.Errorf("scan customization %s: %w", c.ID, err)
	}
	if c.ConflictsWith, err = unmarshalStrings(conflicts); err != nil {
		return ir.CustomizationRecord{}, fmt.Errorf("scan customization %s: %w", c.ID, err)
	}
	c.Active = active != 0
	c.CreatedAt = fromNanos(createdAt)
	c.UpdatedAt = fromNanos(updatedAt)
	return c, nil
}

// PutHandlerScript stores or replaces the source behind a handler ref.
func (s *Store) PutHandlerScript(ctx context.Context, h ir.HandlerScript) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO handler_scripts (scope, ref, source, entry_point, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope, ref) DO UPDATE SET
			source = excluded.source,
			entry_point = excluded.entry_point,
			updated_at = excluded.updated_at
	`, h.Scope, h.Ref, h.Source, h.Entry(), toNanos(h.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put handler script: %w", err)
	}
	return nil
}

// GetHandlerScript resolves a handler ref within scope.
func (s *Store) GetHandlerScript(ctx context.Context, scope, ref string) (ir.HandlerScript, error) {
	var (
		h         ir.HandlerScript
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT scope, ref, source, entry_point, updated_at
		FROM handler_scripts
		WHERE scope = ? AND ref = ?
	`, scope, ref).Scan(&h.Scope, &h.Ref, &h.Source, &h.EntryPoint, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.HandlerScript{}, ir.NewNotFoundError(scope, "handler script", ref)
	}
	if err != nil {
		return ir.HandlerScript{}, fmt.Errorf("get handler script: %w", err)
	}
	h.UpdatedAt = fromNanos(updatedAt)
	return h, nil
}
