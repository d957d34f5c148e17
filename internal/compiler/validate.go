package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/pubengine/internal/ir"
)

// Validation error codes (E200-E299)
const (
	ErrPluginID           = "E201" // plugin id missing or malformed
	ErrDuplicateID        = "E202" // two records share an id
	ErrMissingTarget      = "E203" // target, event or hook name is empty
	ErrSelfReference      = "E204" // record depends on or conflicts with itself
	ErrDependsOnConflict  = "E205" // record depends on something it conflicts with
	ErrInvalidLayout      = "E206" // layout tree fails structural validation
	ErrMissingHandler     = "E207" // binding has no handler ref
	ErrEmptyScript        = "E208" // handler script has no source
	ErrForeignHandler     = "E209" // binding points at another plugin's handler with a script here
	ErrInvalidPlacement   = "E210" // jsInjection placement is not head or body
	ErrMissingComponent   = "E211" // componentReplacement names no component
	ErrUnreferencedScript = "E212" // script not referenced by any binding
)

// ValidationError represents a manifest validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

var pluginIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Validate checks a compiled manifest. Returns all errors found (does not
// fail-fast).
func Validate(m *Manifest) []ValidationError {
	var errs []ValidationError
	add := func(field, code, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if !pluginIDPattern.MatchString(m.PluginID) {
		add("plugin", ErrPluginID, "plugin id %q must match %s", m.PluginID, pluginIDPattern)
	}

	seen := make(map[string]bool, len(m.Customizations))
	refs := make(map[string]bool)
	for i, rec := range m.Customizations {
		field := fmt.Sprintf("customizations[%d]", i)

		if seen[rec.ID] {
			add(field+".id", ErrDuplicateID, "duplicate id %q", rec.ID)
		}
		seen[rec.ID] = true

		if strings.TrimSpace(rec.Target) == "" {
			add(field+".target", ErrMissingTarget, "%s has no target", rec.ID)
		}

		conflicts := make(map[string]bool, len(rec.ConflictsWith))
		for _, c := range rec.ConflictsWith {
			conflicts[c] = true
			if c == rec.ID {
				add(field+".conflicts_with", ErrSelfReference, "%s conflicts with itself", rec.ID)
			}
		}
		for _, dep := range rec.Dependencies {
			if dep == rec.ID {
				add(field+".dependencies", ErrSelfReference, "%s depends on itself", rec.ID)
			}
			if conflicts[dep] {
				add(field+".dependencies", ErrDependsOnConflict, "%s both depends on and conflicts with %s", rec.ID, dep)
			}
		}

		switch d := rec.Data.(type) {
		case ir.LayoutData:
			if err := d.Tree.Validate(); err != nil {
				add(field+".data.tree", ErrInvalidLayout, "%v", err)
			}
		case ir.JSInjectionData:
			if d.Placement != "" && d.Placement != "head" && d.Placement != "body" {
				add(field+".data.placement", ErrInvalidPlacement, "placement %q must be head or body", d.Placement)
			}
		case ir.ComponentReplacementData:
			if strings.TrimSpace(d.Component) == "" {
				add(field+".data.component", ErrMissingComponent, "%s names no component", rec.ID)
			}
		case ir.EventBindingData:
			errs = append(errs, validateBinding(m, field, d.HandlerRef)...)
			refs[d.HandlerRef] = true
		case ir.HookBindingData:
			errs = append(errs, validateBinding(m, field, d.HandlerRef)...)
			refs[d.HandlerRef] = true
		}
	}

	for i, s := range m.Scripts {
		field := fmt.Sprintf("scripts[%d]", i)
		if strings.TrimSpace(s.Source) == "" {
			add(field+".source", ErrEmptyScript, "script for %q is empty", s.Ref)
		}
		if !refs[s.Ref] {
			add(field+".ref", ErrUnreferencedScript, "script %q is not bound to any event or hook", s.Ref)
		}
	}

	return errs
}

func validateBinding(m *Manifest, field, ref string) []ValidationError {
	if ref == "" {
		return []ValidationError{{Field: field + ".handler", Code: ErrMissingHandler, Message: "binding has no handler"}}
	}
	if strings.HasPrefix(ref, m.PluginID+"/") {
		return nil
	}
	for _, s := range m.Scripts {
		if s.Ref == ref {
			return []ValidationError{{
				Field:   field + ".handler",
				Code:    ErrForeignHandler,
				Message: fmt.Sprintf("handler %q belongs to another plugin and cannot be defined here", ref),
			}}
		}
	}
	return nil
}
