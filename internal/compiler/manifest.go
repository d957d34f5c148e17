package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/pubengine/internal/ir"
)

// Manifest is the compiled form of one plugin's CUE files: the
// customizations it contributes and the handler scripts its bindings
// resolve to. Records carry no scope; the installer stamps it.
type Manifest struct {
	PluginID       string                   `json:"plugin"`
	Customizations []ir.CustomizationRecord `json:"customizations"`
	Scripts        []ir.HandlerScript       `json:"scripts,omitempty"`
}

// CompileString compiles manifest source held in memory. filename only
// labels positions in errors.
func CompileString(src, filename string) (*Manifest, error) {
	v := cuecontext.New().CompileString(src, cue.Filename(filename))
	return CompileManifest(v)
}

// CompileManifest turns a plugin manifest into customization records.
//
// The manifest is a CUE struct:
//
//	plugin: "loyalty"
//	customization: banner: {
//		target:   "cart"
//		type:     "cssInjection"
//		priority: 10
//		dependencies: ["theme"]
//		conflicts_with: ["promo/banner"]
//		data: css: ".banner { color: red }"
//	}
//	listener: track: {
//		event:    "cart.updated"
//		priority: 1
//		handler:  "track"
//		script:   "function handle(p) { ... }"
//	}
//	hook: price: {hook: "cart.total", handler: "price", script: "..."}
//
// Record ids are "plugin/label". Dependency, conflict and handler names
// without a slash are qualified with the plugin id.
func CompileManifest(v cue.Value) (*Manifest, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	pluginVal := v.LookupPath(cue.ParsePath("plugin"))
	if !pluginVal.Exists() {
		return nil, &CompileError{Field: "plugin", Message: "plugin is required", Pos: v.Pos()}
	}
	plugin, err := pluginVal.String()
	if err != nil {
		return nil, formatCUEError(err)
	}

	m := &Manifest{PluginID: plugin}
	c := &manifestCompiler{plugin: plugin, scripts: make(map[string]int)}

	if err := c.eachField(v, "customization", func(label string, fv cue.Value) error {
		rec, err := c.customization(label, fv)
		if err != nil {
			return err
		}
		m.Customizations = append(m.Customizations, rec)
		return nil
	}); err != nil {
		return nil, err
	}

	for _, b := range []struct {
		section string
		nameKey string
		kind    ir.RegistrationKind
	}{
		{"listener", "event", ir.RegistrationEvent},
		{"hook", "hook", ir.RegistrationHook},
	} {
		if err := c.eachField(v, b.section, func(label string, fv cue.Value) error {
			rec, err := c.binding(b.section, b.nameKey, b.kind, label, fv)
			if err != nil {
				return err
			}
			m.Customizations = append(m.Customizations, rec)
			return nil
		}); err != nil {
			return nil, err
		}
	}

	m.Scripts = c.collected
	return m, nil
}

type manifestCompiler struct {
	plugin    string
	collected []ir.HandlerScript
	scripts   map[string]int // ref -> index into collected
}

func (c *manifestCompiler) eachField(v cue.Value, section string, fn func(string, cue.Value) error) error {
	sv := v.LookupPath(cue.ParsePath(section))
	if !sv.Exists() {
		return nil
	}
	iter, err := sv.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		if err := fn(iter.Label(), iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

func (c *manifestCompiler) customization(label string, v cue.Value) (ir.CustomizationRecord, error) {
	field := "customization." + label
	rec := ir.CustomizationRecord{ID: c.qualify(label), Active: true}

	var err error
	if rec.Target, err = requiredString(v, "target", field); err != nil {
		return rec, err
	}
	typ, err := requiredString(v, "type", field)
	if err != nil {
		return rec, err
	}
	if err := c.common(&rec, v, field); err != nil {
		return rec, err
	}

	dataVal := v.LookupPath(cue.ParsePath("data"))
	if !dataVal.Exists() {
		return rec, &CompileError{Field: field + ".data", Message: "data is required", Pos: v.Pos()}
	}
	raw, err := dataVal.MarshalJSON()
	if err != nil {
		return rec, formatCUEError(err)
	}
	rec.Data, err = ir.UnmarshalData(ir.CustomizationType(typ), raw)
	if err != nil {
		return rec, &CompileError{Field: field + ".type", Message: err.Error(), Pos: dataVal.Pos()}
	}
	return rec, nil
}

func (c *manifestCompiler) binding(section, nameKey string, kind ir.RegistrationKind, label string, v cue.Value) (ir.CustomizationRecord, error) {
	field := section + "." + label
	rec := ir.CustomizationRecord{ID: c.qualify(label), Active: true}

	var err error
	if rec.Target, err = requiredString(v, nameKey, field); err != nil {
		return rec, err
	}
	handler, err := requiredString(v, "handler", field)
	if err != nil {
		return rec, err
	}
	ref := c.qualify(handler)
	if err := c.common(&rec, v, field); err != nil {
		return rec, err
	}
	if kind == ir.RegistrationHook {
		rec.Data = ir.HookBindingData{PluginID: c.plugin, HandlerRef: ref}
	} else {
		rec.Data = ir.EventBindingData{PluginID: c.plugin, HandlerRef: ref}
	}

	source, ok, err := optionalString(v, "script")
	if err != nil || !ok {
		return rec, err
	}
	entry, _, err := optionalString(v, "entry")
	if err != nil {
		return rec, err
	}
	script := ir.HandlerScript{Ref: ref, Source: source, EntryPoint: entry}
	if i, seen := c.scripts[ref]; seen {
		if c.collected[i].Source != source || c.collected[i].Entry() != script.Entry() {
			return rec, &CompileError{
				Field:   field + ".script",
				Message: fmt.Sprintf("handler %q already has a different script", ref),
				Pos:     v.Pos(),
			}
		}
		return rec, nil
	}
	c.scripts[ref] = len(c.collected)
	c.collected = append(c.collected, script)
	return rec, nil
}

// common reads priority, dependencies, conflicts_with and active.
func (c *manifestCompiler) common(rec *ir.CustomizationRecord, v cue.Value, field string) error {
	if pv := v.LookupPath(cue.ParsePath("priority")); pv.Exists() {
		if pv.IncompleteKind() != cue.IntKind {
			return &CompileError{Field: field + ".priority", Message: "priority must be an integer", Pos: pv.Pos()}
		}
		p, err := pv.Int64()
		if err != nil {
			return formatCUEError(err)
		}
		rec.Priority = p
	}

	var err error
	if rec.Dependencies, err = c.idList(v, "dependencies"); err != nil {
		return err
	}
	if rec.ConflictsWith, err = c.idList(v, "conflicts_with"); err != nil {
		return err
	}
	if av := v.LookupPath(cue.ParsePath("active")); av.Exists() {
		active, err := av.Bool()
		if err != nil {
			return formatCUEError(err)
		}
		rec.Active = active
	}
	return nil
}

func (c *manifestCompiler) idList(v cue.Value, key string) ([]string, error) {
	lv := v.LookupPath(cue.ParsePath(key))
	if !lv.Exists() {
		return nil, nil
	}
	iter, err := lv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, c.qualify(s))
	}
	return out, nil
}

func (c *manifestCompiler) qualify(name string) string {
	if strings.Contains(name, "/") {
		return name
	}
	return c.plugin + "/" + name
}

func requiredString(v cue.Value, key, field string) (string, error) {
	s, ok, err := optionalString(v, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &CompileError{Field: field + "." + key, Message: key + " is required", Pos: v.Pos()}
	}
	return s, nil
}

func optionalString(v cue.Value, key string) (string, bool, error) {
	sv := v.LookupPath(cue.ParsePath(key))
	if !sv.Exists() {
		return "", false, nil
	}
	s, err := sv.String()
	if err != nil {
		return "", false, formatCUEError(err)
	}
	return s, true, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
