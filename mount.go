package pagi

import (
	"context"
	"strings"
)

// Mount wires a sub-App at prefix: any request whose path starts with
// prefix is dispatched to sub with its Path and RootPath rewritten so the
// sub-app sees itself as mounted at "/", per spec.md §4.G's mount
// semantics. Mounts are matched by longest prefix; two mounts registered
// under the identical prefix resolve in insertion order, the earliest
// registration winning (see DESIGN.md Open Question decision).
func (a *App) Mount(prefix string, sub *App) {
	prefix = strings.TrimSuffix(prefix, "/")
	a.mounts = append(a.mounts, mountPoint{prefix: prefix, app: sub})
}

type mountPoint struct {
	prefix string
	app    *App
}

// matchMount returns the mount whose prefix matches path most specifically,
// and the path with that prefix stripped (leaving a leading "/").
func (a *App) matchMount(path string) (*mountPoint, string) {
	var best *mountPoint
	for i := range a.mounts {
		mp := &a.mounts[i]
		if path == mp.prefix {
			if best == nil || len(mp.prefix) > len(best.prefix) {
				best = mp
			}
			continue
		}
		if strings.HasPrefix(path, mp.prefix+"/") {
			if best == nil || len(mp.prefix) > len(best.prefix) {
				best = mp
			}
		}
	}
	if best == nil {
		return nil, path
	}

	rest := strings.TrimPrefix(path, best.prefix)
	if rest == "" {
		rest = "/"
	}
	return best, rest
}

// dispatchMounted runs the gateway contract against a mounted sub-App,
// rewriting scope.Path/RootPath as spec.md §4.G requires so URL generation
// inside the sub-app reconstructs the externally-visible path.
func dispatchMounted(ctx context.Context, mp *mountPoint, outerRootPath string, scope *Scope, receive Receive, send Send) error {
	inner := *scope
	inner.Path = scope.Path
	inner.RootPath = outerRootPath + mp.prefix
	return mp.app.serveScope(ctx, &inner, receive, send)
}
