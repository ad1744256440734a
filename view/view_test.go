package view

import (
	"bytes"
	"html/template"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemplate(t *testing.T, dir, name, src string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name)+".html")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
}

func TestViewAutoEscapesByDefault(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "page", `{{.Name}}`)

	v := New(dir)
	var buf bytes.Buffer
	require.NoError(t, v.Render(&buf, "page", map[string]interface{}{"Name": "<x>"}, false))
	assert.Equal(t, "&lt;x&gt;", buf.String())
}

func TestViewRawBypassesEscaping(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "page", `{{raw .Name}}`)

	v := New(dir)
	var buf bytes.Buffer
	require.NoError(t, v.Render(&buf, "page", map[string]interface{}{"Name": "<b>hi</b>"}, false))
	assert.Equal(t, "<b>hi</b>", buf.String())
}

func TestViewLayoutComposition(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "layouts/base", `<html>{{content}}</html>`)
	writeTemplate(t, dir, "page", `{{extends "layouts/base"}}hello`)

	v := New(dir)
	var buf bytes.Buffer
	require.NoError(t, v.Render(&buf, "page", nil, false))
	assert.Equal(t, "<html>hello</html>", buf.String())
}

func TestViewContentForAccumulatesBlockReplaces(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "layouts/base", `[{{content "scripts"}}]`)
	writeTemplate(t, dir, "accumulate", `{{extends "layouts/base"}}{{content_for "scripts" "a"}}{{content_for "scripts" "b"}}`)
	writeTemplate(t, dir, "replace", `{{extends "layouts/base"}}{{block "scripts" "a"}}{{block "scripts" "b"}}`)

	v := New(dir)

	var accBuf bytes.Buffer
	require.NoError(t, v.Render(&accBuf, "accumulate", nil, false))
	assert.Equal(t, "[ab]", accBuf.String())

	var repBuf bytes.Buffer
	require.NoError(t, v.Render(&repBuf, "replace", nil, false))
	assert.Equal(t, "[b]", repBuf.String())
}

func TestViewCaptureRendersDefinedSubTemplate(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "page", `{{define "greeting"}}hi {{.}}{{end}}{{capture "greeting" "Sam"}}`)

	v := New(dir)
	var buf bytes.Buffer
	require.NoError(t, v.Render(&buf, "page", nil, false))
	assert.Equal(t, "hi Sam", buf.String())
}

func TestViewCaptureRejectsUndefinedName(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "page", `{{capture "missing"}}`)

	v := New(dir)
	var buf bytes.Buffer
	err := v.Render(&buf, "page", nil, false)
	assert.Error(t, err)
}

func TestViewIncludeRendersAnotherTemplate(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "partials/greeting", `hi {{.}}`)
	writeTemplate(t, dir, "page", `{{include "partials/greeting" "Sam"}}`)

	v := New(dir)
	var buf bytes.Buffer
	require.NoError(t, v.Render(&buf, "page", nil, false))
	assert.Equal(t, "hi Sam", buf.String())
}

func TestViewUnderscoredPartialFallback(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "widgets/_card", `card`)

	v := New(dir)
	var buf bytes.Buffer
	require.NoError(t, v.Render(&buf, "widgets/card", nil, false))
	assert.Equal(t, "card", buf.String())
}

func TestViewFragmentOptionSkipsLayout(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "layouts/base", `<html>{{content}}</html>`)
	writeTemplate(t, dir, "page", `{{extends "layouts/base"}}hello`)

	v := New(dir)
	var buf bytes.Buffer
	require.NoError(t, v.Render(&buf, "page", nil, false, Fragment()))
	assert.Equal(t, "hello", buf.String())
}

func TestViewHTMXSkipsLayoutByDefault(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "layouts/base", `<html>{{content}}</html>`)
	writeTemplate(t, dir, "page", `{{extends "layouts/base"}}hello`)

	v := New(dir)
	var buf bytes.Buffer
	require.NoError(t, v.Render(&buf, "page", nil, true))
	assert.Equal(t, "hello", buf.String())
}

func TestViewWithLayoutOverridesHTMXSkip(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "layouts/base", `<html>{{content}}</html>`)
	writeTemplate(t, dir, "page", `hello`)

	v := New(dir)
	var buf bytes.Buffer
	require.NoError(t, v.Render(&buf, "page", nil, true, WithLayout("layouts/base")))
	assert.Equal(t, "<html>hello</html>", buf.String())
}

func TestViewDevModeBypassesCache(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "page", `v1`)

	v := New(dir)
	v.DevMode = true

	var buf1 bytes.Buffer
	require.NoError(t, v.Render(&buf1, "page", nil, false))
	assert.Equal(t, "v1", buf1.String())

	writeTemplate(t, dir, "page", `v2`)

	var buf2 bytes.Buffer
	require.NoError(t, v.Render(&buf2, "page", nil, false))
	assert.Equal(t, "v2", buf2.String())
}

func TestViewCachesCompiledTemplatesOutsideDevMode(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "page", `v1`)

	v := New(dir)

	var buf1 bytes.Buffer
	require.NoError(t, v.Render(&buf1, "page", nil, false))
	assert.Equal(t, "v1", buf1.String())

	writeTemplate(t, dir, "page", `v2`)

	var buf2 bytes.Buffer
	require.NoError(t, v.Render(&buf2, "page", nil, false))
	assert.Equal(t, "v1", buf2.String())
}

func TestViewLookupFailureListsSearchedPaths(t *testing.T) {
	dir := t.TempDir()
	v := New(dir)

	var buf bytes.Buffer
	err := v.Render(&buf, "missing", nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestViewSetFuncIsVisibleToTemplates(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "page", `{{shout .Name}}`)

	v := New(dir)
	v.SetFunc("shout", func(s string) string { return s + "!" })

	var buf bytes.Buffer
	require.NoError(t, v.Render(&buf, "page", map[string]interface{}{"Name": "hi"}, false))
	assert.Equal(t, "hi!", buf.String())
}

func TestViewUseComposesRoleHelpers(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "page", `{{loud .Name}}`)

	v := New(dir)
	v.Use(RoleFunc(func() template.FuncMap {
		return template.FuncMap{
			"loud": func(s string) string { return s + "LOUD" },
		}
	}))

	var buf bytes.Buffer
	require.NoError(t, v.Render(&buf, "page", map[string]interface{}{"Name": "hi"}, false))
	assert.Equal(t, "hiLOUD", buf.String())
}
