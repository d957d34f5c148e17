package compiler

import (
	"testing"

	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pubengine/internal/ir"
)

const loyaltyManifest = `
plugin: "loyalty"

customization: banner: {
	target:   "cart"
	type:     "cssInjection"
	priority: 10
	dependencies: ["theme"]
	conflicts_with: ["promo/banner"]
	data: {css: ".banner { color: red }", media: "screen"}
}

customization: theme: {
	target: "cart"
	type:   "componentReplacement"
	data: {component: "LoyaltyCart", props: {tier: "gold", points: 120}}
}

listener: track: {
	event:    "cart.updated"
	priority: 1
	handler:  "track"
	script:   "function handle(p) { emit('loyalty.points', {n: p.n}); }"
}

hook: price: {
	hook:    "cart.total"
	handler: "price"
	entry:   "discount"
	script:  "function discount(v) { return v - 5; }"
}
`

func TestCompileManifest(t *testing.T) {
	m, err := CompileString(loyaltyManifest, "loyalty.cue")
	require.NoError(t, err)

	assert.Equal(t, "loyalty", m.PluginID)
	require.Len(t, m.Customizations, 4)

	banner := m.Customizations[0]
	assert.Equal(t, "loyalty/banner", banner.ID)
	assert.Equal(t, "cart", banner.Target)
	assert.Equal(t, int64(10), banner.Priority)
	assert.True(t, banner.Active)
	assert.Equal(t, []string{"loyalty/theme"}, banner.Dependencies)
	assert.Equal(t, []string{"promo/banner"}, banner.ConflictsWith)
	assert.Equal(t, ir.CSSInjectionData{CSS: ".banner { color: red }", Media: "screen"}, banner.Data)

	theme := m.Customizations[1]
	assert.Equal(t, ir.ComponentReplacementData{
		Component: "LoyaltyCart",
		Props:     ir.Object{"tier": ir.String("gold"), "points": ir.Int(120)},
	}, theme.Data)

	track := m.Customizations[2]
	assert.Equal(t, "loyalty/track", track.ID)
	assert.Equal(t, "cart.updated", track.Target)
	assert.Equal(t, ir.EventBindingData{PluginID: "loyalty", HandlerRef: "loyalty/track"}, track.Data)

	price := m.Customizations[3]
	assert.Equal(t, ir.TypeHookBinding, price.Type())
	assert.Equal(t, "cart.total", price.Target)

	require.Len(t, m.Scripts, 2)
	assert.Equal(t, "loyalty/track", m.Scripts[0].Ref)
	assert.Equal(t, ir.DefaultEntryPoint, m.Scripts[0].Entry())
	assert.Equal(t, "discount", m.Scripts[1].Entry())

	assert.Empty(t, Validate(m))
}

func TestCompileManifest_Layout(t *testing.T) {
	m, err := CompileString(`
		plugin: "layouts"
		customization: wide: {
			target: "cart"
			type:   "layout"
			data: tree: {
				root: ["header"]
				nodes: [{id: "header", type: "Header"}]
			}
		}
	`, "layout.cue")
	require.NoError(t, err)
	data, ok := m.Customizations[0].Data.(ir.LayoutData)
	require.True(t, ok)
	assert.Equal(t, []string{"header"}, data.Tree.Root)
}

func TestCompileManifest_FractionalData(t *testing.T) {
	m, err := CompileString(`
		plugin: "p"
		customization: a: {
			target: "cart"
			type:   "componentReplacement"
			data: {component: "X", props: {ratio: 1.5, columns: 2}}
		}
	`, "ratio.cue")
	require.NoError(t, err)
	data, ok := m.Customizations[0].Data.(ir.ComponentReplacementData)
	require.True(t, ok)
	assert.Equal(t, ir.Float(1.5), data.Props["ratio"])
	assert.Equal(t, ir.Int(2), data.Props["columns"])
}

func TestCompileManifest_Errors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"missing plugin", `customization: {}`, "plugin"},
		{"missing target", `plugin: "p", customization: a: {type: "cssInjection", data: css: ""}`, "customization.a.target"},
		{"missing data", `plugin: "p", customization: a: {target: "cart", type: "cssInjection"}`, "customization.a.data"},
		{"unknown type", `plugin: "p", customization: a: {target: "cart", type: "banner", data: {}}`, "customization.a.type"},
		{"float priority", `plugin: "p", customization: a: {target: "cart", type: "cssInjection", priority: 1.5, data: css: ""}`, "customization.a.priority"},
		{"listener without event", `plugin: "p", listener: a: {handler: "h"}`, "listener.a.event"},
		{"hook without handler", `plugin: "p", hook: a: {hook: "cart.total"}`, "hook.a.handler"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileString(tt.src, "bad.cue")
			require.Error(t, err)
			var ce *CompileError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestCompileManifest_ConflictingScripts(t *testing.T) {
	_, err := CompileString(`
		plugin: "p"
		listener: a: {event: "x", handler: "h", script: "function handle() { return 1; }"}
		listener: b: {event: "y", handler: "h", script: "function handle() { return 2; }"}
	`, "dup.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has a different script")
}

func TestCompileManifest_SharedHandler(t *testing.T) {
	m, err := CompileString(`
		plugin: "p"
		listener: a: {event: "x", handler: "h", script: "function handle() {}"}
		listener: b: {event: "y", handler: "h", script: "function handle() {}"}
		listener: c: {event: "z", handler: "h"}
	`, "shared.cue")
	require.NoError(t, err)
	assert.Len(t, m.Customizations, 3)
	assert.Len(t, m.Scripts, 1)
}

func TestCompileManifest_CUEError(t *testing.T) {
	v := cuecontext.New().CompileString(`plugin: "a" & "b"`)
	_, err := CompileManifest(v)
	require.Error(t, err)
}
