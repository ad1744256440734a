package middleware

import "github.com/aofei/pagi"

// CORSConfig is an alias of the root package's CORSConfig: CORS is a
// concern the top-level App.UseCORS convenience constructor already needs
// inline (to avoid importing this package back), so this package simply
// re-exposes the same implementation for callers who prefer composing Gases
// explicitly instead of going through App.UseCORS.
type CORSConfig = pagi.CORSConfig

// DefaultCORSConfig mirrors pagi.DefaultCORSConfig.
var DefaultCORSConfig = pagi.DefaultCORSConfig

// CORS returns a CORS Gas using DefaultCORSConfig.
func CORS() pagi.Gas { return pagi.CORSWithConfig(DefaultCORSConfig) }

// CORSWithConfig returns a CORS Gas built from config.
func CORSWithConfig(config CORSConfig) pagi.Gas { return pagi.CORSWithConfig(config) }
