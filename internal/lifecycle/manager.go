// Package lifecycle manages configuration versions per (scope, page type):
// drafts, promotion through acceptance to published, and revert-by-copy.
//
// Every write runs under store.WithVersionLock, so version numbers are
// allocated without gaps or duplicates and the single current-edit pointer
// never has two holders. Reads go straight to the store.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/pubengine/internal/ir"
	"github.com/roach88/pubengine/internal/metrics"
	"github.com/roach88/pubengine/internal/store"
)

// DefaultHistoryLimit caps GetHistory when the caller passes no limit.
const DefaultHistoryLimit = 50

// maxLineageDepth bounds Lineage walks on corrupted parent chains.
const maxLineageDepth = 10000

// Manager is the version lifecycle service.
type Manager struct {
	store        *store.Store
	clock        ir.Clock
	ids          ir.IDGenerator
	logger       *slog.Logger
	metrics      *metrics.Metrics
	historyLimit int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source for stamps. Default: ir.SystemClock.
func WithClock(c ir.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithIDGenerator sets the version id source. Default: UUIDv7.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(m *Manager) { m.ids = g }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics reports transitions to m.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithHistoryLimit sets the GetHistory default. Non-positive values are
// ignored.
func WithHistoryLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.historyLimit = n
		}
	}
}

// New creates a Manager over s.
func New(s *store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:        s,
		clock:        ir.SystemClock{},
		ids:          ir.UUIDv7Generator{},
		logger:       slog.Default(),
		historyLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DraftRequest describes a new draft.
type DraftRequest struct {
	Scope           string
	PageType        string
	Tree            ir.Tree
	ParentVersionID string // optional; the version this draft edits
	Actor           string
}

// CreateDraft validates the tree and appends a draft with the next
// version number. With a parent, the parent becomes the single holder of
// the current-edit pointer, aimed at the new draft.
func (m *Manager) CreateDraft(ctx context.Context, req DraftRequest) (ir.ConfigurationVersion, error) {
	if err := requireKey(req.Scope, req.PageType); err != nil {
		return ir.ConfigurationVersion{}, err
	}
	if err := req.Tree.Validate(); err != nil {
		return ir.ConfigurationVersion{}, err
	}

	var created ir.ConfigurationVersion
	err := m.store.WithVersionLock(ctx, req.Scope, req.PageType, func(tx *store.VersionTx) error {
		if req.ParentVersionID != "" {
			parent, err := tx.Get(ctx, req.ParentVersionID)
			if err != nil {
				return err
			}
			if parent.PageType != req.PageType {
				return ir.NewNotFoundError(req.Scope, "version", req.ParentVersionID)
			}
		}

		n, err := tx.NextVersionNumber(ctx)
		if err != nil {
			return err
		}
		now := m.clock.Now()
		created = ir.ConfigurationVersion{
			ID:            m.ids.Generate(),
			Scope:         req.Scope,
			PageType:      req.PageType,
			Tree:          req.Tree.Clone(),
			VersionNumber: n,
			Status:        ir.StageDraft,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if req.ParentVersionID != "" {
			created.ParentVersionID = ir.Ptr(req.ParentVersionID)
		}
		if err := tx.Insert(ctx, created); err != nil {
			return err
		}
		if req.ParentVersionID != "" {
			return tx.SetCurrentEdit(ctx, req.ParentVersionID, created.ID, now)
		}
		return nil
	})
	if err != nil {
		return ir.ConfigurationVersion{}, fmt.Errorf("create draft: %w", err)
	}

	m.metrics.RecordTransition("create", string(ir.StageDraft))
	m.logger.Info("draft created",
		"scope", req.Scope,
		"page_type", req.PageType,
		"version_id", created.ID,
		"version_number", created.VersionNumber,
		"parent", req.ParentVersionID,
		"actor", req.Actor,
	)
	return created, nil
}

// UpdateDraft replaces the tree of a draft in place. Any other stage is
// immutable and yields INVALID_TRANSITION naming the "edit".
func (m *Manager) UpdateDraft(ctx context.Context, scope, versionID string, tree ir.Tree) (ir.ConfigurationVersion, error) {
	if err := tree.Validate(); err != nil {
		return ir.ConfigurationVersion{}, err
	}
	var updated ir.ConfigurationVersion
	err := m.withVersion(ctx, scope, versionID, func(tx *store.VersionTx, cur ir.ConfigurationVersion) error {
		if cur.Status != ir.StageDraft {
			return ir.NewInvalidTransitionError(scope, versionID, cur.Status, "edit")
		}
		cur.Tree = tree.Clone()
		cur.UpdatedAt = m.clock.Now()
		if err := tx.Update(ctx, cur); err != nil {
			return err
		}
		updated = cur
		return nil
	})
	if err != nil {
		return ir.ConfigurationVersion{}, fmt.Errorf("update draft: %w", err)
	}

	m.metrics.RecordTransition("update", string(ir.StageDraft))
	m.logger.Debug("draft updated", "scope", scope, "version_id", versionID)
	return updated, nil
}

// Publish moves a version forward to target (acceptance or published),
// stamping that stage's time and actor. Any current-edit pointer aimed at
// the version is cleared: the edit it tracked has landed.
func (m *Manager) Publish(ctx context.Context, scope, versionID, actor string, target ir.Stage) (ir.ConfigurationVersion, error) {
	var published ir.ConfigurationVersion
	err := m.withVersion(ctx, scope, versionID, func(tx *store.VersionTx, cur ir.ConfigurationVersion) error {
		if !ir.CanPromote(cur.Status, target) {
			return ir.NewInvalidTransitionError(scope, versionID, cur.Status, string(target))
		}
		now := m.clock.Now()
		switch target {
		case ir.StageAcceptance:
			cur.AcceptancePublishedAt = ir.Ptr(now)
			cur.AcceptancePublishedBy = ir.Ptr(actor)
		case ir.StagePublished:
			cur.PublishedAt = ir.Ptr(now)
			cur.PublishedBy = ir.Ptr(actor)
		}
		cur.Status = target
		cur.UpdatedAt = now

		if err := tx.ClearCurrentEditTo(ctx, versionID, now); err != nil {
			return err
		}
		if err := tx.Update(ctx, cur); err != nil {
			return err
		}
		published = cur
		return nil
	})
	if err != nil {
		return ir.ConfigurationVersion{}, fmt.Errorf("publish: %w", err)
	}

	m.metrics.RecordTransition("publish", string(target))
	m.logger.Info("version published",
		"scope", scope,
		"page_type", published.PageType,
		"version_id", versionID,
		"version_number", published.VersionNumber,
		"stage", target,
		"actor", actor,
	)
	return published, nil
}

// RevertResult is the outcome of a revert.
type RevertResult struct {
	Version     ir.ConfigurationVersion `json:"version"`
	RevertedIDs []string                `json:"reverted_ids"`
}

// Revert appends a published copy R of target T (parent T) and marks as
// reverted the published and acceptance rows numbered after T up to and
// including the previous current version. T itself and drafts keep their
// status.
func (m *Manager) Revert(ctx context.Context, scope, versionID, actor string) (RevertResult, error) {
	var result RevertResult
	err := m.withVersion(ctx, scope, versionID, func(tx *store.VersionTx, target ir.ConfigurationVersion) error {
		prev, err := tx.Effective(ctx)
		if err != nil {
			return err
		}
		n, err := tx.NextVersionNumber(ctx)
		if err != nil {
			return err
		}

		now := m.clock.Now()
		if prev != nil && prev.VersionNumber > target.VersionNumber {
			ids, err := tx.MarkReverted(ctx, target.VersionNumber, prev.VersionNumber, now)
			if err != nil {
				return err
			}
			result.RevertedIDs = ids
		}

		r := ir.ConfigurationVersion{
			ID:              m.ids.Generate(),
			Scope:           scope,
			PageType:        target.PageType,
			Tree:            target.Tree.Clone(),
			VersionNumber:   n,
			Status:          ir.StagePublished,
			ParentVersionID: ir.Ptr(target.ID),
			PublishedAt:     ir.Ptr(now),
			PublishedBy:     ir.Ptr(actor),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.Insert(ctx, r); err != nil {
			return err
		}
		result.Version = r
		return nil
	})
	if err != nil {
		return RevertResult{}, fmt.Errorf("revert: %w", err)
	}

	m.metrics.RecordTransition("revert", string(ir.StagePublished))
	m.logger.Info("version reverted",
		"scope", scope,
		"page_type", result.Version.PageType,
		"target", versionID,
		"new_version_id", result.Version.ID,
		"version_number", result.Version.VersionNumber,
		"reverted", len(result.RevertedIDs),
		"actor", actor,
	)
	return result, nil
}

// withVersion resolves the page type of versionID, takes that page type's
// lock and hands fn the row as read inside the transaction.
func (m *Manager) withVersion(ctx context.Context, scope, versionID string, fn func(*store.VersionTx, ir.ConfigurationVersion) error) error {
	if scope == "" || versionID == "" {
		return ir.NewInvalidArgumentError("version_id", "scope and version id are required")
	}
	peek, err := m.store.GetVersion(ctx, scope, versionID)
	if err != nil {
		return err
	}
	return m.store.WithVersionLock(ctx, scope, peek.PageType, func(tx *store.VersionTx) error {
		cur, err := tx.Get(ctx, versionID)
		if err != nil {
			return err
		}
		return fn(tx, cur)
	})
}

// GetEffective returns the version currently served, or nil.
func (m *Manager) GetEffective(ctx context.Context, scope, pageType string) (*ir.ConfigurationVersion, error) {
	if err := requireKey(scope, pageType); err != nil {
		return nil, err
	}
	return m.store.GetEffective(ctx, scope, pageType)
}

// GetAcceptance returns the newest acceptance-stage version, or nil. It is
// what a preview of the pending release renders.
func (m *Manager) GetAcceptance(ctx context.Context, scope, pageType string) (*ir.ConfigurationVersion, error) {
	if err := requireKey(scope, pageType); err != nil {
		return nil, err
	}
	return m.store.GetLatestAcceptance(ctx, scope, pageType)
}

// GetHistory lists versions newest first. limit <= 0 uses the default.
func (m *Manager) GetHistory(ctx context.Context, scope, pageType string, limit int) ([]ir.ConfigurationVersion, error) {
	if err := requireKey(scope, pageType); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = m.historyLimit
	}
	return m.store.GetHistory(ctx, scope, pageType, limit)
}

// GetVersion returns one version.
func (m *Manager) GetVersion(ctx context.Context, scope, versionID string) (ir.ConfigurationVersion, error) {
	return m.store.GetVersion(ctx, scope, versionID)
}

// ResumeEdit returns the draft that versionID's current-edit pointer names.
// NOT_FOUND when the version has no edit in progress.
func (m *Manager) ResumeEdit(ctx context.Context, scope, versionID string) (ir.ConfigurationVersion, error) {
	v, err := m.store.GetVersion(ctx, scope, versionID)
	if err != nil {
		return ir.ConfigurationVersion{}, err
	}
	if v.CurrentEditID == nil {
		return ir.ConfigurationVersion{}, ir.NewNotFoundError(scope, "current edit", versionID)
	}
	return m.store.GetVersion(ctx, scope, *v.CurrentEditID)
}

// Lineage walks the parent chain from versionID back to its root,
// starting with versionID itself. A chain that revisits a version is
// reported as an error rather than looped on.
func (m *Manager) Lineage(ctx context.Context, scope, versionID string) ([]ir.ConfigurationVersion, error) {
	var chain []ir.ConfigurationVersion
	seen := make(map[string]bool)
	id := versionID
	for id != "" {
		if seen[id] || len(chain) >= maxLineageDepth {
			return nil, fmt.Errorf("lineage: parent chain of %s revisits %s", versionID, id)
		}
		seen[id] = true
		v, err := m.store.GetVersion(ctx, scope, id)
		if err != nil {
			return nil, fmt.Errorf("lineage: %w", err)
		}
		chain = append(chain, v)
		id = ir.Deref(v.ParentVersionID)
	}
	return chain, nil
}

func requireKey(scope, pageType string) error {
	if scope == "" {
		return ir.NewInvalidArgumentError("scope", "scope is required")
	}
	if pageType == "" {
		return ir.NewInvalidArgumentError("page_type", "page type is required")
	}
	return nil
}
