// Package view implements the template rendering engine of spec.md §4.K:
// template lookup with an underscored-partial fallback, a compile cache,
// layout/block/capture/include composition, and HTML auto-escaping. It is
// adapted from teacher's renderer.go (html/template, fsnotify directory
// watch, tdewolff/minify) and extended with the layout-chain machinery the
// distilled spec asks for but the teacher never needed.
//
// The package is deliberately standalone: it knows nothing about the
// gateway protocol, Request or Response. The root pagi package wires it to
// a Response in response.go (Response.Render) so this package stays reusable on its
// own, matching how teacher keeps Renderer decoupled from Air.
package view

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/tdewolff/minify/v2"
	minifyhtml "github.com/tdewolff/minify/v2/html"
	"golang.org/x/sync/singleflight"
)

// Role composes extra template helpers into a View at setup time, the Go
// equivalent of the source's mixin-style "role" composition on its View
// class (spec.md §9): declare a helper provider, let View hold a list of
// them, and merge their helper maps in Use.
type Role interface {
	// Helpers returns the template funcs this role contributes. Names
	// colliding with an earlier Use or the builtins are overridden.
	Helpers() template.FuncMap
}

// RoleFunc adapts a plain func to a Role.
type RoleFunc func() template.FuncMap

// Helpers implements Role.
func (f RoleFunc) Helpers() template.FuncMap { return f() }

// View owns a template directory, its compile cache, and the engine-wide
// configuration described in spec.md §4.K.
type View struct {
	// TemplateDir is the root directory templates are looked up under.
	TemplateDir string
	// Extension is appended to a render name to form a file path.
	// Default: ".html".
	Extension string
	// AutoEscape turns on html/template's contextual auto-escaping.
	// Default: true. Disabling it parses templates with text/template
	// instead, so interpolations are never escaped.
	AutoEscape bool
	// DevMode disables the compile cache (every render re-reads and
	// re-parses its template) and expands lookup-failure errors with a
	// list of closely-named siblings.
	DevMode bool
	// Minify runs the rendered output through tdewolff/minify's HTML
	// minifier before it reaches the caller, mirroring teacher's
	// TemplateMinified.
	Minify bool
	// CacheBytes is set by EnableByteCache. While the fastcache.Cache it
	// creates exists, every compile stores the template's resolved source
	// there under a content-hash key (cacheKey). Nothing reads that cache
	// back, so it skips no disk read or parse; renders are served from the
	// in-memory *template.Template cache, a mutex-guarded map.
	CacheBytes bool

	mu    sync.RWMutex
	cache map[string]*templateEntry

	funcs template.FuncMap
	roles []Role

	compileGroup singleflight.Group
	byteCache    *fastcache.Cache
	minifier     *minify.M
	watcher      *fsnotify.Watcher
}

type templateEntry struct {
	name string
	tree *template.Template // html/template when AutoEscape; nil otherwise
	src  string              // raw source, used by the text/template path and by DevMode re-parses
}

// New returns a View rooted at dir with spec.md §4.K's defaults: extension
// ".html", AutoEscape on, caching on, DevMode off.
func New(dir string) *View {
	v := &View{
		TemplateDir: dir,
		Extension:   ".html",
		AutoEscape:  true,
		cache:       map[string]*templateEntry{},
		funcs: template.FuncMap{
			"strlen":  strlen,
			"strcat":  strcat,
			"substr":  substr,
			"timefmt": timefmt,
		},
	}
	return v
}

// EnableByteCache turns on the fastcache-backed second-level cache keyed
// by a content hash of each template's resolved source (cacheKey).
// Compiles write sources into it; renders never read from it.
func (v *View) EnableByteCache(maxBytes int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.CacheBytes = true
	v.byteCache = fastcache.New(maxBytes)
}

// SetFunc installs a named helper visible to every template rendered by v.
func (v *View) SetFunc(name string, f interface{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.funcs[name] = f
}

// Use composes role's helpers into v's func map, letting multiple
// independently-developed helper bundles be layered onto one View the way
// spec.md §9 describes ("declare a helper provider interface ... merge
// their helper maps at setup time").
func (v *View) Use(role Role) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.roles = append(v.roles, role)
	for name, fn := range role.Helpers() {
		v.funcs[name] = fn
	}
}

// EnableMinify turns on the tdewolff/minify HTML pass, lazily constructing
// the shared minifier the first time it's needed, matching teacher's
// ParseTemplates minifier setup.
func (v *View) EnableMinify() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Minify = true
	if v.minifier == nil {
		v.minifier = minify.New()
		v.minifier.Add("text/html", &minifyhtml.Minifier{
			KeepDefaultAttrVals: true,
			KeepDocumentTags:    true,
			KeepWhitespace:      true,
		})
	}
}

// Watch starts an fsnotify watcher over TemplateDir so changed files
// invalidate their compile cache entries, mirroring teacher's
// watchTemplates for TemplateWatched. It is a no-op, not an error, when
// DevMode already disables caching.
func (v *View) Watch() error {
	if v.DevMode {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs, err := walkDirs(v.TemplateDir)
	if err != nil {
		w.Close()
		return err
	}
	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return err
		}
	}

	v.mu.Lock()
	v.watcher = w
	v.mu.Unlock()

	go v.watchLoop(w)
	return nil
}

func (v *View) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				v.invalidate(event.Name)
			}
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

// invalidate drops the cache entry for the template whose file path
// changed, so the next Render recompiles it.
func (v *View) invalidate(path string) {
	name := v.nameFromPath(path)
	if name == "" {
		return
	}
	v.mu.Lock()
	delete(v.cache, name)
	v.mu.Unlock()
}

func (v *View) nameFromPath(path string) string {
	rel, err := filepath.Rel(v.TemplateDir, path)
	if err != nil {
		return ""
	}
	rel = filepath.ToSlash(rel)
	return strings.TrimSuffix(rel, v.Extension)
}

// Close stops the directory watcher, if any.
func (v *View) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.watcher != nil {
		return v.watcher.Close()
	}
	return nil
}

// lookupPaths returns the candidate file paths for name, in the order
// spec.md §4.K requires: the direct path, then (if the final segment lacks
// a leading "_" and name contains "/") the underscored-partial form.
func (v *View) lookupPaths(name string) []string {
	direct := filepath.Join(v.TemplateDir, filepath.FromSlash(name)) + v.Extension
	paths := []string{direct}

	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		dir, last := name[:i+1], name[i+1:]
		if !strings.HasPrefix(last, "_") {
			partial := dir + "_" + last
			paths = append(paths, filepath.Join(v.TemplateDir, filepath.FromSlash(partial))+v.Extension)
		}
	}

	return paths
}

// lookupFailure is returned by compile when no candidate path exists; it
// lists every path searched and, in DevMode, closely-named siblings.
type lookupFailure struct {
	name     string
	searched []string
	siblings []string
}

func (e *lookupFailure) Error() string {
	msg := fmt.Sprintf("view: template %q not found, searched: %s", e.name, strings.Join(e.searched, ", "))
	if len(e.siblings) > 0 {
		msg += fmt.Sprintf(" (did you mean: %s?)", strings.Join(e.siblings, ", "))
	}
	return msg
}

// resolve finds the first existing candidate path for name and reads it.
func (v *View) resolve(name string) (path string, src []byte, err error) {
	candidates := v.lookupPaths(name)
	for _, p := range candidates {
		b, rerr := os.ReadFile(p)
		if rerr == nil {
			return p, b, nil
		}
	}

	lf := &lookupFailure{name: name, searched: candidates}
	if v.DevMode {
		lf.siblings = v.closeNameSiblings(name)
	}
	return "", nil, lf
}

// closeNameSiblings lists template names under TemplateDir sharing the
// final path segment's first few characters with name, a small aid for the
// DevMode lookup-failure error.
func (v *View) closeNameSiblings(name string) []string {
	var out []string
	base := name
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		base = name[i+1:]
	}
	prefix := base
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}

	dirs, err := walkDirs(v.TemplateDir)
	if err != nil {
		return nil
	}
	for _, dir := range dirs {
		matches, _ := filepath.Glob(filepath.Join(dir, "*"+v.Extension))
		for _, m := range matches {
			n := v.nameFromPath(m)
			b := n
			if i := strings.LastIndexByte(n, '/'); i >= 0 {
				b = n[i+1:]
			}
			if strings.HasPrefix(b, prefix) && n != name {
				out = append(out, n)
			}
		}
	}
	sort.Strings(out)
	return out
}

// compile resolves, parses (or re-uses a cached parse of) the template
// named name. Every helper name used by RenderContext must be registered
// in placeholderFuncs (with a placeholder implementation) before Parse, since
// html/template validates function names at parse time; the per-render
// closures are bound afterwards via Template.Clone().Funcs(), so
// concurrent renders never share mutable helper state (spec.md §4.K:
// "concurrent renders must each see their own").
func (v *View) compile(name string) (*templateEntry, error) {
	if !v.DevMode {
		v.mu.RLock()
		entry, ok := v.cache[name]
		v.mu.RUnlock()
		if ok {
			return entry, nil
		}
	}

	result, err, _ := v.compileGroup.Do(name, func() (interface{}, error) {
		return v.compileUncached(name)
	})
	if err != nil {
		return nil, err
	}
	entry := result.(*templateEntry)

	if !v.DevMode {
		v.mu.Lock()
		v.cache[name] = entry
		v.mu.Unlock()
	}
	return entry, nil
}

func (v *View) compileUncached(name string) (*templateEntry, error) {
	_, src, err := v.resolve(name)
	if err != nil {
		return nil, err
	}

	if v.Minify && v.minifier != nil {
		var buf bytes.Buffer
		if err := v.minifier.Minify("text/html", &buf, bytes.NewReader(src)); err == nil {
			src = buf.Bytes()
		}
	}

	if v.byteCache != nil {
		key := cacheKey(name, src)
		v.byteCache.Set(key, src)
	}

	entry := &templateEntry{name: name, src: string(src)}

	if v.AutoEscape {
		t := template.New(name).Funcs(v.placeholderFuncs())
		t, err = t.Parse(entry.src)
		if err != nil {
			return nil, fmt.Errorf("view: parsing %q: %w", name, err)
		}
		entry.tree = t
	}

	return entry, nil
}

// cacheKey hashes name+src with xxhash for the byte-cache, matching the
// stable cache-key wiring SPEC_FULL.md commits view.go to.
func cacheKey(name string, src []byte) []byte {
	h := xxhash.New()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(src)
	sum := h.Sum64()
	return []byte(fmt.Sprintf("%016x", sum))
}

// placeholderFuncs registers every RenderContext helper name with a
// signature-correct stub so html/template's parser accepts templates that
// call them; the real closures are bound per-render by RenderContext.helperFuncs.
func (v *View) placeholderFuncs() template.FuncMap {
	fm := template.FuncMap{}
	for k, f := range v.funcs {
		fm[k] = f
	}
	fm["extends"] = func(string, ...interface{}) string { return "" }
	fm["content_for"] = func(string, ...interface{}) string { return "" }
	fm["block"] = func(string, ...interface{}) string { return "" }
	fm["content"] = func(...string) template.HTML { return "" }
	fm["capture"] = func(string, ...interface{}) (template.HTML, error) { return "", nil }
	fm["include"] = func(string, ...interface{}) (template.HTML, error) { return "", nil }
	fm["raw"] = func(interface{}) template.HTML { return "" }
	return fm
}

// definedTemplateNames returns the names `{{define}}`d inside entry's
// parsed tree, used by capture to validate its argument refers to an
// actually-defined sub-template.
func definedTemplateNames(t *template.Template) map[string]bool {
	names := map[string]bool{}
	for _, tt := range t.Templates() {
		if tt.Tree != nil && tt.Tree.Root != nil {
			names[tt.Name()] = true
		}
	}
	return names
}

// walkDirs walks every subdirectory of root, matching teacher's
// renderer.go helper of the same name.
func walkDirs(root string) ([]string, error) {
	var dirs []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if info.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	return dirs, err
}

// strlen returns the number of chars in s, kept from teacher's renderer.go.
func strlen(s string) int { return len([]rune(s)) }

// strcat concatenates ss onto s, kept from teacher's renderer.go.
func strcat(s string, ss ...string) string {
	for _, x := range ss {
		s += x
	}
	return s
}

// substr returns the substring of the runes of s in [i,j), kept from
// teacher's renderer.go.
func substr(s string, i, j int) string {
	rs := []rune(s)
	return string(rs[i:j])
}

// timefmt formats t with layout, kept from teacher's renderer.go.
func timefmt(t time.Time, layout string) string { return t.Format(layout) }
