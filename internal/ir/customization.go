package ir

import (
	"encoding/json"
	"fmt"
	"time"
)

// CustomizationType discriminates the customization data union.
type CustomizationType string

const (
	TypeLayout               CustomizationType = "layout"
	TypeCSSInjection         CustomizationType = "cssInjection"
	TypeJSInjection          CustomizationType = "jsInjection"
	TypeComponentReplacement CustomizationType = "componentReplacement"
	TypeHookBinding          CustomizationType = "hookBinding"
	TypeEventBinding         CustomizationType = "eventBinding"
)

// CustomizationData is the type-specific body of a customization.
// Sealed: only the variants in this file implement it.
type CustomizationData interface {
	Type() CustomizationType
	customizationData()
}

// LayoutData replaces the layout of the target page.
type LayoutData struct {
	Tree Tree `json:"tree"`
}

// CSSInjectionData injects a stylesheet, optionally behind a media query.
type CSSInjectionData struct {
	CSS   string `json:"css"`
	Media string `json:"media,omitempty"`
}

// JSInjectionData injects a script at a placement ("head" or "body").
type JSInjectionData struct {
	Script    string `json:"script"`
	Placement string `json:"placement,omitempty"`
}

// ComponentReplacementData swaps a storefront component for another.
type ComponentReplacementData struct {
	Component string `json:"component"`
	Props     Object `json:"props,omitempty"`
}

// HookBindingData binds a plugin handler to a named hook (Target).
type HookBindingData struct {
	PluginID   string `json:"plugin_id"`
	HandlerRef string `json:"handler_ref"`
}

// EventBindingData binds a plugin handler to a named event (Target).
type EventBindingData struct {
	PluginID   string `json:"plugin_id"`
	HandlerRef string `json:"handler_ref"`
}

func (LayoutData) Type() CustomizationType               { return TypeLayout }
func (CSSInjectionData) Type() CustomizationType         { return TypeCSSInjection }
func (JSInjectionData) Type() CustomizationType          { return TypeJSInjection }
func (ComponentReplacementData) Type() CustomizationType { return TypeComponentReplacement }
func (HookBindingData) Type() CustomizationType          { return TypeHookBinding }
func (EventBindingData) Type() CustomizationType         { return TypeEventBinding }

func (LayoutData) customizationData()               {}
func (CSSInjectionData) customizationData()         {}
func (JSInjectionData) customizationData()          {}
func (ComponentReplacementData) customizationData() {}
func (HookBindingData) customizationData()          {}
func (EventBindingData) customizationData()         {}

// MarshalData encodes a customization body (without its discriminant).
func MarshalData(d CustomizationData) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("marshal data: nil customization data")
	}
	if l, ok := d.(LayoutData); ok {
		tree, err := l.Tree.Canonical()
		if err != nil {
			return nil, fmt.Errorf("marshal data: %w", err)
		}
		return json.Marshal(struct {
			Tree json.RawMessage `json:"tree"`
		}{tree})
	}
	return json.Marshal(d)
}

// UnmarshalData decodes a body written by MarshalData for the given type.
func UnmarshalData(typ CustomizationType, data []byte) (CustomizationData, error) {
	var (
		out CustomizationData
		err error
	)
	switch typ {
	case TypeLayout:
		var v LayoutData
		err = json.Unmarshal(data, &v)
		out = v
	case TypeCSSInjection:
		var v CSSInjectionData
		err = json.Unmarshal(data, &v)
		out = v
	case TypeJSInjection:
		var v JSInjectionData
		err = json.Unmarshal(data, &v)
		out = v
	case TypeComponentReplacement:
		var v ComponentReplacementData
		err = json.Unmarshal(data, &v)
		out = v
	case TypeHookBinding:
		var v HookBindingData
		err = json.Unmarshal(data, &v)
		out = v
	case TypeEventBinding:
		var v EventBindingData
		err = json.Unmarshal(data, &v)
		out = v
	default:
		return nil, NewInvalidArgumentError("type", fmt.Sprintf("unknown customization type %q", typ))
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s data: %w", typ, err)
	}
	return out, nil
}

// CustomizationRecord is a plugin- or merchant-authored modification.
type CustomizationRecord struct {
	ID            string            `json:"id"`
	Scope         string            `json:"scope"`
	Target        string            `json:"target"`
	Data          CustomizationData `json:"-"`
	Priority      int64             `json:"priority"`
	Dependencies  []string          `json:"dependencies,omitempty"`
	ConflictsWith []string          `json:"conflicts_with,omitempty"`
	Active        bool              `json:"active"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Type returns the data discriminant, or "" when no data is set.
func (c CustomizationRecord) Type() CustomizationType {
	if c.Data == nil {
		return ""
	}
	return c.Data.Type()
}

// Validate checks the record shape before it is stored.
func (c CustomizationRecord) Validate() error {
	switch {
	case c.ID == "":
		return NewInvalidArgumentError("id", "customization id is required")
	case c.Scope == "":
		return NewInvalidArgumentError("scope", "scope is required")
	case c.Target == "":
		return NewInvalidArgumentError("target", "target is required")
	case c.Data == nil:
		return NewInvalidArgumentError("data", "customization data is required")
	}
	for _, dep := range c.Dependencies {
		if dep == c.ID {
			return NewInvalidArgumentError("dependencies", fmt.Sprintf("%s depends on itself", c.ID))
		}
	}
	switch d := c.Data.(type) {
	case LayoutData:
		return d.Tree.Validate()
	case HookBindingData:
		if d.HandlerRef == "" {
			return NewInvalidArgumentError("handler_ref", "hook binding needs a handler ref")
		}
	case EventBindingData:
		if d.HandlerRef == "" {
			return NewInvalidArgumentError("handler_ref", "event binding needs a handler ref")
		}
	}
	return nil
}

// MarshalJSON adds "type" and "data" to the plain fields.
func (c CustomizationRecord) MarshalJSON() ([]byte, error) {
	type plain CustomizationRecord
	out := struct {
		plain
		Type CustomizationType `json:"type,omitempty"`
		Data json.RawMessage   `json:"data,omitempty"`
	}{plain: plain(c), Type: c.Type()}
	if c.Data != nil {
		raw, err := MarshalData(c.Data)
		if err != nil {
			return nil, err
		}
		out.Data = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (c *CustomizationRecord) UnmarshalJSON(data []byte) error {
	type plain CustomizationRecord
	in := struct {
		*plain
		Type CustomizationType `json:"type"`
		Data json.RawMessage   `json:"data"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Type != "" {
		d, err := UnmarshalData(in.Type, in.Data)
		if err != nil {
			return err
		}
		c.Data = d
	}
	return nil
}

// RegistrationKind is "event" or "hook".
type RegistrationKind string

const (
	RegistrationEvent RegistrationKind = "event"
	RegistrationHook  RegistrationKind = "hook"
)

// Registration is the dispatcher's view of an eventBinding or hookBinding
// customization. Name is the customization's Target.
type Registration struct {
	ID             string           `json:"id"`
	Scope          string           `json:"scope"`
	Kind           RegistrationKind `json:"kind"`
	OwningPluginID string           `json:"owning_plugin_id"`
	Name           string           `json:"name"`
	Priority       int64            `json:"priority"`
	HandlerRef     string           `json:"handler_ref"`
	Active         bool             `json:"active"`
}

// AsRegistration projects a binding customization into a Registration.
// ok is false for every other customization type.
func (c CustomizationRecord) AsRegistration() (reg Registration, ok bool) {
	reg = Registration{
		ID:       c.ID,
		Scope:    c.Scope,
		Name:     c.Target,
		Priority: c.Priority,
		Active:   c.Active,
	}
	switch d := c.Data.(type) {
	case EventBindingData:
		reg.Kind = RegistrationEvent
		reg.OwningPluginID = d.PluginID
		reg.HandlerRef = d.HandlerRef
	case HookBindingData:
		reg.Kind = RegistrationHook
		reg.OwningPluginID = d.PluginID
		reg.HandlerRef = d.HandlerRef
	default:
		return Registration{}, false
	}
	return reg, true
}

// DefaultEntryPoint is the function a handler script exports when its
// script does not name one.
const DefaultEntryPoint = "handle"

// HandlerScript is the source a HandlerRef resolves to.
type HandlerScript struct {
	Scope      string    `json:"scope"`
	Ref        string    `json:"ref"`
	Source     string    `json:"source"`
	EntryPoint string    `json:"entry_point"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Entry returns the entry point, falling back to DefaultEntryPoint.
func (h HandlerScript) Entry() string {
	if h.EntryPoint == "" {
		return DefaultEntryPoint
	}
	return h.EntryPoint
}

// HandlerOutcome is the per-handler result of a dispatch.
type HandlerOutcome struct {
	RegistrationID string        `json:"registration_id"`
	PluginID       string        `json:"plugin_id"`
	HandlerRef     string        `json:"handler_ref"`
	Event          string        `json:"event"`
	OK             bool          `json:"ok"`
	Error          string        `json:"error,omitempty"`
	ErrorCode      ErrorCode     `json:"error_code,omitempty"`
	TimedOut       bool          `json:"timed_out,omitempty"`
	Result         Value         `json:"result,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
}
