package ir

import "time"

// Stage is the lifecycle status of a configuration version.
type Stage string

const (
	StageDraft      Stage = "draft"
	StageAcceptance Stage = "acceptance"
	StagePublished  Stage = "published"
	StageReverted   Stage = "reverted"
)

// ValidStages lists every stage a stored row may hold.
var ValidStages = map[Stage]bool{
	StageDraft:      true,
	StageAcceptance: true,
	StagePublished:  true,
	StageReverted:   true,
}

// ParsePublishTarget validates the target of a publish request.
// Only acceptance and published are reachable by publishing.
func ParsePublishTarget(s string) (Stage, error) {
	switch Stage(s) {
	case StageAcceptance, StagePublished:
		return Stage(s), nil
	default:
		return "", NewInvalidArgumentError("stage", "target stage must be acceptance or published, got "+quote(s))
	}
}

// CanPromote reports whether a forward transition from -> to is legal.
// Legal: draft->acceptance, draft->published, acceptance->published.
// published and reverted are terminal for forward transitions.
func CanPromote(from, to Stage) bool {
	switch from {
	case StageDraft:
		return to == StageAcceptance || to == StagePublished
	case StageAcceptance:
		return to == StagePublished
	default:
		return false
	}
}

// ConfigurationVersion is one stored snapshot of a page configuration.
//
// Invariants:
//   - VersionNumber increases monotonically within (Scope, PageType) and is
//     never reused
//   - ParentVersionID chains are acyclic
//   - at most one row per (Scope, PageType) holds a non-empty CurrentEditID
type ConfigurationVersion struct {
	ID                    string     `json:"id"`
	Scope                 string     `json:"scope"`
	PageType              string     `json:"page_type"`
	Tree                  Tree       `json:"configuration_tree"`
	VersionNumber         int64      `json:"version_number"`
	Status                Stage      `json:"status"`
	ParentVersionID       *string    `json:"parent_version_id,omitempty"`
	CurrentEditID         *string    `json:"current_edit_id,omitempty"`
	PublishedAt           *time.Time `json:"published_at,omitempty"`
	PublishedBy           *string    `json:"published_by,omitempty"`
	AcceptancePublishedAt *time.Time `json:"acceptance_published_at,omitempty"`
	AcceptancePublishedBy *string    `json:"acceptance_published_by,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Ptr returns a pointer to v. Handy for the optional version fields.
func Ptr[T any](v T) *T { return &v }

// Deref returns *p, or the zero value when p is nil.
func Deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func quote(s string) string { return `"` + s + `"` }
