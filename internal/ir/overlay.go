package ir

import (
	"encoding/json"
	"fmt"
	"time"
)

// BaselineArtifact is the last-known-good content of an artifact.
// At most one exists per (Scope, ArtifactPath).
type BaselineArtifact struct {
	Scope        string    `json:"scope"`
	ArtifactPath string    `json:"artifact_path"`
	Content      string    `json:"content"`
	ContentHash  string    `json:"content_hash"`
	CapturedAt   time.Time `json:"captured_at"`
}

// OverlayKind discriminates the overlay payload union.
type OverlayKind string

const (
	OverlaySnapshot  OverlayKind = "snapshot"
	OverlayDiffHunks OverlayKind = "diffHunks"
)

// OverlayPayload is a sealed union: SnapshotPayload or HunksPayload.
type OverlayPayload interface {
	Kind() OverlayKind
	overlayPayload()
}

// SnapshotPayload replaces the working content outright.
type SnapshotPayload struct {
	Content string `json:"content"`
}

func (SnapshotPayload) Kind() OverlayKind { return OverlaySnapshot }
func (SnapshotPayload) overlayPayload()   {}

// HunksPayload patches the working content hunk by hunk.
type HunksPayload struct {
	Hunks []Hunk `json:"hunks"`
}

func (HunksPayload) Kind() OverlayKind { return OverlayDiffHunks }
func (HunksPayload) overlayPayload()   {}

// Hunk is a context-matched patch: locate Anchor as a contiguous run of
// lines and replace it with Replacement. LineHint (1-based, 0 = none)
// picks the nearest occurrence when Anchor appears more than once.
type Hunk struct {
	ID          string   `json:"id"`
	Anchor      []string `json:"anchor"`
	Replacement []string `json:"replacement"`
	LineHint    int      `json:"line_hint,omitempty"`
}

// OverlayRecord is a stored patch targeting one artifact.
// Identity is the caller-supplied upsert key within (Scope, ArtifactPath).
type OverlayRecord struct {
	ID           string         `json:"id"`
	Scope        string         `json:"scope"`
	ArtifactPath string         `json:"artifact_path"`
	Identity     string         `json:"identity"`
	Payload      OverlayPayload `json:"-"`
	Priority     int64          `json:"priority"`
	Active       bool           `json:"active"`
	Summary      string         `json:"summary,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Kind returns the payload discriminant, or "" when no payload is set.
func (o OverlayRecord) Kind() OverlayKind {
	if o.Payload == nil {
		return ""
	}
	return o.Payload.Kind()
}

// Validate checks the payload shape. Hunk ids must be unique and anchors
// non-empty, since an empty anchor cannot be located.
func (o OverlayRecord) Validate() error {
	if o.Scope == "" || o.ArtifactPath == "" {
		return NewInvalidOverlayError(o.Identity, "scope and artifact path are required")
	}
	if o.Identity == "" {
		return NewInvalidOverlayError(o.ArtifactPath, "identity is required")
	}
	switch p := o.Payload.(type) {
	case SnapshotPayload:
		return nil
	case HunksPayload:
		if len(p.Hunks) == 0 {
			return NewInvalidOverlayError(o.Identity, "diffHunks overlay has no hunks")
		}
		seen := make(map[string]bool, len(p.Hunks))
		for i, h := range p.Hunks {
			if h.ID == "" {
				return NewInvalidOverlayError(o.Identity, fmt.Sprintf("hunks[%d]: id is required", i))
			}
			if seen[h.ID] {
				return NewInvalidOverlayError(o.Identity, fmt.Sprintf("hunk %q: duplicate id", h.ID))
			}
			seen[h.ID] = true
			if len(h.Anchor) == 0 {
				return NewInvalidOverlayError(o.Identity, fmt.Sprintf("hunk %q: anchor is empty", h.ID))
			}
		}
		return nil
	case nil:
		return NewInvalidOverlayError(o.Identity, "payload is required")
	default:
		return NewInvalidOverlayError(o.Identity, fmt.Sprintf("unknown payload %T", p))
	}
}

// payloadEnvelope is the stored/wire form of the payload union.
type payloadEnvelope struct {
	Kind     OverlayKind `json:"kind"`
	Snapshot *string     `json:"snapshot,omitempty"`
	Hunks    []Hunk      `json:"hunks,omitempty"`
}

// MarshalPayload encodes a payload with its discriminant.
func MarshalPayload(p OverlayPayload) ([]byte, error) {
	switch v := p.(type) {
	case SnapshotPayload:
		return json.Marshal(payloadEnvelope{Kind: OverlaySnapshot, Snapshot: &v.Content})
	case HunksPayload:
		return json.Marshal(payloadEnvelope{Kind: OverlayDiffHunks, Hunks: v.Hunks})
	default:
		return nil, fmt.Errorf("marshal payload: unknown payload %T", p)
	}
}

// UnmarshalPayload decodes an envelope written by MarshalPayload.
func UnmarshalPayload(data []byte) (OverlayPayload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	switch env.Kind {
	case OverlaySnapshot:
		if env.Snapshot == nil {
			return nil, fmt.Errorf("unmarshal payload: snapshot content missing")
		}
		return SnapshotPayload{Content: *env.Snapshot}, nil
	case OverlayDiffHunks:
		return HunksPayload{Hunks: env.Hunks}, nil
	default:
		return nil, fmt.Errorf("unmarshal payload: unknown kind %q", env.Kind)
	}
}

// MarshalJSON includes the payload envelope under "payload".
func (o OverlayRecord) MarshalJSON() ([]byte, error) {
	type plain OverlayRecord
	out := struct {
		plain
		Kind    OverlayKind     `json:"kind,omitempty"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}{plain: plain(o), Kind: o.Kind()}
	if o.Payload != nil {
		raw, err := MarshalPayload(o.Payload)
		if err != nil {
			return nil, err
		}
		out.Payload = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (o *OverlayRecord) UnmarshalJSON(data []byte) error {
	type plain OverlayRecord
	in := struct {
		*plain
		Payload json.RawMessage `json:"payload,omitempty"`
	}{plain: (*plain)(o)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if len(in.Payload) > 0 {
		p, err := UnmarshalPayload(in.Payload)
		if err != nil {
			return err
		}
		o.Payload = p
	}
	return nil
}
