package view

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	texttemplate "text/template"
)

// blockMode distinguishes content_for's accumulate semantics from block's
// replace semantics (spec.md §4.K).
type blockMode int

const (
	blockAccumulate blockMode = iota
	blockReplace
)

type blockState struct {
	mode  blockMode
	parts []string
}

func (b *blockState) value() string {
	if b == nil {
		return ""
	}
	switch b.mode {
	case blockReplace:
		if len(b.parts) == 0 {
			return ""
		}
		return b.parts[len(b.parts)-1]
	default:
		out := ""
		for _, p := range b.parts {
			out += p
		}
		return out
	}
}

// RenderContext carries the mutable, per-render state of spec.md §4.K: the
// pending layout (if any), named content blocks, and the body produced by
// the template most recently rendered in the chain. Exactly one
// RenderContext is active per call to View.Render — a fresh one is
// allocated every call, so concurrent renders never share state, the
// property spec.md calls out explicitly.
type RenderContext struct {
	view *View

	layout     string
	layoutVars interface{}

	blocks map[string]*blockState
	body   template.HTML

	skipLayout bool
}

// ContentFor appends str to the named block, matching spec.md's
// "content_for accumulates (appends)".
func (rc *RenderContext) ContentFor(name string, value interface{}) {
	rc.setBlock(name, blockAccumulate, stringify(value))
}

// Block replaces the named block's content, matching spec.md's
// "block replaces".
func (rc *RenderContext) Block(name string, value interface{}) {
	rc.setBlock(name, blockReplace, stringify(value))
}

func (rc *RenderContext) setBlock(name string, mode blockMode, s string) {
	b := rc.blocks[name]
	if b == nil {
		b = &blockState{mode: mode}
		rc.blocks[name] = b
	}
	b.mode = mode
	b.parts = append(b.parts, s)
}

// Content returns the current body when called with no argument, or the
// named block's accumulated/replaced content when called with one,
// matching spec.md's overloaded `content()`/`content("blockname")`.
func (rc *RenderContext) Content(name ...string) template.HTML {
	if len(name) == 0 {
		return rc.body
	}
	return template.HTML(rc.blocks[name[0]].value())
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case template.HTML:
		return string(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// RenderOption configures a single View.Render call.
type RenderOption func(*renderOptions)

type renderOptions struct {
	layout      string
	layoutSet   bool
	fragment    bool
	extraVars   map[string]interface{}
}

// WithLayout forces a specific layout name, overriding any `extends` call
// inside the template (an explicit `layout => true/false` override in
// spec.md's HTMX integration note, generalized to naming the layout
// directly; pass "" to force "no layout").
func WithLayout(name string) RenderOption {
	return func(o *renderOptions) { o.layout = name; o.layoutSet = true }
}

// WithoutLayout forces no layout regardless of what the template requests,
// the explicit `layout => false` override.
func WithoutLayout() RenderOption {
	return func(o *renderOptions) { o.layoutSet = true; o.layout = "" }
}

// Fragment renders name without ever invoking a layout, matching spec.md's
// `render_fragment` variant.
func Fragment() RenderOption {
	return func(o *renderOptions) { o.fragment = true }
}

// Render looks up, compiles (or reuses the cached compile of), and
// executes the template named name with vars, then walks the layout chain
// (spec.md: "the recursion is materialized inside out") until no further
// `extends` is requested, finally writing the fully composed output to w.
//
// skipLayoutDefault is the HTMX-detection outcome the caller already
// computed (spec.md §4.K: "if the request is detected as HTMX ...
// render(name, layout: auto) skips the layout by default"); pagi's
// Response.Render passes Request.IsHTMX() here so this package stays free
// of any gateway-protocol dependency.
func (v *View) Render(w io.Writer, name string, vars map[string]interface{}, skipLayoutDefault bool, opts ...RenderOption) error {
	o := &renderOptions{}
	for _, opt := range opts {
		opt(o)
	}

	rc := &RenderContext{view: v, blocks: map[string]*blockState{}}

	body, err := rc.renderNamed(name, toTemplateData(vars))
	if err != nil {
		return err
	}
	rc.body = template.HTML(body)

	skipLayout := o.fragment || (skipLayoutDefault && !o.layoutSet)
	if o.layoutSet {
		rc.layout = o.layout
	}

	for !skipLayout && rc.layout != "" {
		layoutName := rc.layout
		layoutVars := rc.layoutVars
		rc.layout = ""
		rc.layoutVars = nil

		out, err := rc.renderNamed(layoutName, layoutVars)
		if err != nil {
			return err
		}
		rc.body = template.HTML(out)
	}

	out := string(rc.body)
	if v.Minify && v.minifier != nil {
		var buf bytes.Buffer
		if merr := v.minifier.Minify("text/html", &buf, bytes.NewReader([]byte(out))); merr == nil {
			out = buf.String()
		}
	}

	_, err = io.WriteString(w, out)
	return err
}

// renderNamed compiles (or fetches) name and executes it with data bound
// to rc's helper closures, returning the rendered string. Each call clones
// the compiled *template.Template before binding, so one RenderContext's
// capture/content_for state is never visible to a concurrently-running
// render of the same cached template.
func (rc *RenderContext) renderNamed(name string, data interface{}) (string, error) {
	entry, err := rc.view.compile(name)
	if err != nil {
		return "", err
	}

	if !rc.view.AutoEscape {
		return renderTextTemplate(entry.src, data)
	}

	cloned, err := entry.tree.Clone()
	if err != nil {
		return "", fmt.Errorf("view: cloning %q: %w", name, err)
	}
	cloned = cloned.Funcs(rc.helperFuncs(cloned))

	var buf bytes.Buffer
	if err := cloned.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("view: executing %q: %w", name, err)
	}
	return buf.String(), nil
}

// helperFuncs returns the closures bound to this RenderContext: extends,
// content_for, block, content, capture, include and raw, overriding the
// signature-matching placeholders View.compile registered at parse time.
func (rc *RenderContext) helperFuncs(cloned *template.Template) template.FuncMap {
	names := definedTemplateNames(cloned)

	return template.FuncMap{
		"extends": func(name string, vars ...interface{}) string {
			rc.layout = name
			if len(vars) > 0 {
				rc.layoutVars = vars[0]
			}
			return ""
		},
		"content_for": func(name string, vals ...interface{}) string {
			if len(vals) > 0 {
				rc.ContentFor(name, vals[0])
			}
			return ""
		},
		"block": func(name string, vals ...interface{}) string {
			if len(vals) > 0 {
				rc.Block(name, vals[0])
			}
			return ""
		},
		"content": func(name ...string) template.HTML {
			return rc.Content(name...)
		},
		"capture": func(name string, data ...interface{}) (template.HTML, error) {
			if !names[name] {
				return "", fmt.Errorf("view: capture: %q is not a defined template", name)
			}
			var d interface{}
			if len(data) > 0 {
				d = data[0]
			}
			var buf bytes.Buffer
			if err := cloned.ExecuteTemplate(&buf, name, d); err != nil {
				return "", err
			}
			return template.HTML(buf.String()), nil
		},
		"include": func(name string, vars ...interface{}) (template.HTML, error) {
			var d interface{}
			if len(vars) > 0 {
				d = vars[0]
			}
			out, err := rc.renderNamed(name, d)
			if err != nil {
				return "", err
			}
			return template.HTML(out), nil
		},
		"raw": func(v interface{}) template.HTML {
			return template.HTML(stringify(v))
		},
	}
}

// renderTextTemplate renders src with Go's plain (non-escaping)
// text/template, the AutoEscape=false path. Layout/block helpers are not
// supported without auto-escape, matching the teacher's renderer having no
// non-HTML-escaping mode at all — this is the minimal generalization.
func renderTextTemplate(src string, data interface{}) (string, error) {
	t, err := texttemplate.New("fragment").Funcs(texttemplate.FuncMap{
		"strlen": strlen, "strcat": strcat, "substr": substr, "timefmt": timefmt,
	}).Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// toTemplateData normalizes a map[string]interface{} (the common case from
// pagi's Response.Render) so html/template sees a plain map for field/key
// lookups, keeping JSON-decoded data (which already arrives as
// map[string]interface{}) and struct values both usable as the root `.`.
func toTemplateData(vars map[string]interface{}) interface{} {
	if vars == nil {
		return map[string]interface{}{}
	}
	return vars
}

// MarshalVarsJSON is a small helper some templates want for embedding a Go
// value as a JSON literal inside a <script> tag; it is intentionally not a
// registered template func (callers opt in via SetFunc) since auto-escaping
// JSON inside HTML needs the html/template contextual escaper, not a
// manual json.Marshal call in user templates.
func MarshalVarsJSON(v interface{}) (template.JS, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return template.JS(b), nil
}
