package middleware

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aofei/pagi"
)

// StaticConfig configures the Static Gas, generalizing teacher's
// `gases.StaticConfig` (gases/static.go) from a direct `http.Dir` lookup
// onto Response.SendFile, so static serving gets the same Content-Type
// sniffing, Content-Length, ETag and chunked streaming every other
// file-sending path in pagi gets.
type StaticConfig struct {
	// Root is the directory static content is served from. Required.
	Root string
	// Index is the file served for a directory request.
	// Default: "index.html".
	Index string
	// HTML5 forwards not-found requests to Index at Root instead of
	// returning 404, for single-page applications that do client-side
	// routing.
	HTML5 bool
	// Browse lists a directory's entries when it has no Index file.
	Browse bool
}

// DefaultStaticConfig is the default Static Gas config.
var DefaultStaticConfig = StaticConfig{Index: "index.html"}

// Static returns a Gas serving static content from root.
func Static(root string) pagi.Gas {
	c := DefaultStaticConfig
	c.Root = root
	return StaticWithConfig(c)
}

// StaticWithConfig returns a Static Gas built from config. See Static.
func StaticWithConfig(config StaticConfig) pagi.Gas {
	if config.Index == "" {
		config.Index = DefaultStaticConfig.Index
	}

	return func(next pagi.Handler) pagi.Handler {
		return func(req *pagi.Request, res *pagi.Response) error {
			name := path.Clean(req.Path())
			if rest := req.PathParam("rest"); rest != "" {
				name = path.Clean("/" + rest)
			}

			file := filepath.Join(config.Root, filepath.FromSlash(name))
			info, err := os.Stat(file)
			if err != nil {
				if config.HTML5 {
					return res.SendFile(filepath.Join(config.Root, config.Index), nil)
				}
				return next(req, res)
			}

			if info.IsDir() {
				index := filepath.Join(file, config.Index)
				if _, ierr := os.Stat(index); ierr == nil {
					return res.SendFile(index, nil)
				}
				if config.Browse {
					return browseDir(res, file, name)
				}
				return next(req, res)
			}

			return res.SendFile(file, nil)
		}
	}
}

// browseDir writes a minimal directory listing, kept close to teacher's
// inline `<pre>` listing in gases/static.go.
func browseDir(res *pagi.Response, dir, urlPath string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	if err := res.HTML("<pre>\n"); err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		color := "#212121"
		if e.IsDir() {
			color = "#e91e63"
			name += "/"
		}
		link := strings.TrimSuffix(urlPath, "/") + "/" + name
		if _, err := res.WriteString(fmt.Sprintf("<a href=\"%s\" style=\"color: %s;\">%s</a>\n", link, color, name)); err != nil {
			return err
		}
	}
	_, err = res.WriteString("</pre>\n")
	return err
}
