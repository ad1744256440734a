package middleware

import "github.com/aofei/pagi"

// LoggerConfig is an alias of the root package's LoggerConfig, for the same
// reason CORSConfig is aliased in cors.go: App.EnableLogging needs the
// implementation inline, and this package re-exposes it for explicit Gas
// composition.
type LoggerConfig = pagi.LoggerConfig

// DefaultLoggerConfig mirrors pagi.DefaultLoggerConfig.
var DefaultLoggerConfig = pagi.DefaultLoggerConfig

// Logger returns an access-logging Gas using DefaultLoggerConfig.
func Logger() pagi.Gas { return pagi.LoggerWithConfig(DefaultLoggerConfig) }

// LoggerWithConfig returns an access-logging Gas built from config.
func LoggerWithConfig(config LoggerConfig) pagi.Gas { return pagi.LoggerWithConfig(config) }
