package pagi

import "strings"

// Group is a scoped sub-router created by App.Under: it shares the parent
// App's route tree but prefixes every registered path and prepends its own
// Gas chain ahead of each route's handler, generalizing the teacher's
// Group type (`group.go`) to the gateway's Handler/Gas types.
type Group struct {
	App    *App
	Prefix string
	Gases  []Gas
}

// Under returns a new Group rooted at prefix with the given group-level
// gases, inherited ahead of any route-level gases registered within it.
func (a *App) Under(prefix string, gases ...Gas) *Group {
	return &Group{App: a, Prefix: prefix, Gases: gases}
}

// Under returns a nested Group, concatenating prefixes and gas chains —
// mirrors the teacher's `Group.Group`.
func (g *Group) Under(prefix string, gases ...Gas) *Group {
	return &Group{
		App:    g.App,
		Prefix: g.Prefix + prefix,
		Gases:  append(append([]Gas{}, g.Gases...), gases...),
	}
}

func (g *Group) fullPath(path string) string {
	full := g.Prefix + path
	if full == "" {
		return "/"
	}
	if !strings.HasPrefix(full, "/") {
		full = "/" + full
	}
	return full
}

func (g *Group) chain(h Handler, gases ...Gas) Handler {
	for i := len(gases) - 1; i >= 0; i-- {
		h = gases[i](h)
	}
	for i := len(g.Gases) - 1; i >= 0; i-- {
		h = g.Gases[i](h)
	}
	return h
}

// GET registers a GET route under the group's prefix.
func (g *Group) GET(path string, h Handler, gases ...Gas) {
	g.App.route("GET", g.fullPath(path), "", g.chain(h, gases...))
}

// HEAD registers a HEAD route under the group's prefix.
func (g *Group) HEAD(path string, h Handler, gases ...Gas) {
	g.App.route("HEAD", g.fullPath(path), "", g.chain(h, gases...))
}

// POST registers a POST route under the group's prefix.
func (g *Group) POST(path string, h Handler, gases ...Gas) {
	g.App.route("POST", g.fullPath(path), "", g.chain(h, gases...))
}

// PUT registers a PUT route under the group's prefix.
func (g *Group) PUT(path string, h Handler, gases ...Gas) {
	g.App.route("PUT", g.fullPath(path), "", g.chain(h, gases...))
}

// PATCH registers a PATCH route under the group's prefix.
func (g *Group) PATCH(path string, h Handler, gases ...Gas) {
	g.App.route("PATCH", g.fullPath(path), "", g.chain(h, gases...))
}

// DELETE registers a DELETE route under the group's prefix.
func (g *Group) DELETE(path string, h Handler, gases ...Gas) {
	g.App.route("DELETE", g.fullPath(path), "", g.chain(h, gases...))
}

// Named registers a named route with the given method under the group's
// prefix, used for
// url_for generation (spec.md §4.G).
func (g *Group) Named(name, method, path string, h Handler, gases ...Gas) {
	g.App.route(method, g.fullPath(path), name, g.chain(h, gases...))
}

// WS registers a WebSocket route under the group's prefix and gas chain.
func (g *Group) WS(path string, h Handler, gases ...Gas) {
	g.App.route("WS", g.fullPath(path), "", g.chain(h, gases...))
}

// SSE registers a Server-Sent-Events route under the group's prefix and gas
// chain.
func (g *Group) SSE(path string, h Handler, gases ...Gas) {
	g.App.route("SSE", g.fullPath(path), "", g.chain(h, gases...))
}
