package middleware

import (
	"compress/gzip"
	"strings"

	"github.com/aofei/pagi"
)

// GzipConfig configures the Gzip Gas, generalizing teacher's
// `gases.GzipConfig` (gases/gzip.go).
type GzipConfig struct {
	// Level is the compress/gzip compression level. Default -1
	// (gzip.DefaultCompression).
	Level int
	// MinContentLength skips compression for buffered bodies shorter
	// than this, mirroring teacher's gzip_min_content_length knob.
	MinContentLength int
}

// DefaultGzipConfig is teacher's default compression level.
var DefaultGzipConfig = GzipConfig{Level: gzip.DefaultCompression}

// Gzip returns a Gas that gzip-compresses buffered response bodies using
// DefaultGzipConfig.
func Gzip() pagi.Gas { return GzipWithConfig(DefaultGzipConfig) }

// GzipWithConfig returns a Gzip Gas built from config. It only compresses
// buffered (non-streaming) responses — streamed bodies are left untouched,
// since pagi's streaming terminal state has already started emitting
// http.response.body events by the time a Gas could intervene.
func GzipWithConfig(config GzipConfig) pagi.Gas {
	if config.Level == 0 {
		config.Level = DefaultGzipConfig.Level
	}

	return func(next pagi.Handler) pagi.Handler {
		return func(req *pagi.Request, res *pagi.Response) error {
			if err := next(req, res); err != nil {
				return err
			}

			res.AppendHeader("Vary", "Accept-Encoding")

			if res.Streaming || res.Written {
				return nil
			}
			if !strings.Contains(req.Header("accept-encoding"), "gzip") {
				return nil
			}
			body := res.Buffered()
			if len(body) < config.MinContentLength {
				return nil
			}
			if res.Header.Get("Content-Encoding") != "" {
				return nil
			}

			var buf strings.Builder
			gw, err := gzip.NewWriterLevel(&buf, config.Level)
			if err != nil {
				return pagi.ErrInternal("failed to initialize gzip writer", err)
			}
			if _, err := gw.Write(body); err != nil {
				return pagi.ErrInternal("failed to gzip response body", err)
			}
			if err := gw.Close(); err != nil {
				return pagi.ErrInternal("failed to close gzip writer", err)
			}

			res.ReplaceBuffered([]byte(buf.String()))
			res.SetHeader("Content-Encoding", "gzip")
			res.Header.Del("Content-Length")
			return nil
		}
	}
}
