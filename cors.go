package pagi

import (
	"strconv"
	"strings"
)

// CORSConfig configures the CORS Gas built by CORSWithConfig, generalizing
// teacher's `gases.CORSConfig` (gases/cors.go) to the gateway's Gas type.
type CORSConfig struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	AllowCredentials bool
	ExposeHeaders    []string
	MaxAge           int
}

// DefaultCORSConfig is the permissive default teacher ships.
var DefaultCORSConfig = CORSConfig{
	AllowOrigins: []string{"*"},
	AllowMethods: []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE"},
}

func (c *CORSConfig) fill() {
	if len(c.AllowOrigins) == 0 {
		c.AllowOrigins = DefaultCORSConfig.AllowOrigins
	}
	if len(c.AllowMethods) == 0 {
		c.AllowMethods = DefaultCORSConfig.AllowMethods
	}
}

// CORSWithConfig returns a Cross-Origin Resource Sharing Gas built from
// config, answering preflight OPTIONS requests directly and annotating
// every other response with the matching Access-Control-* headers, exactly
// like teacher's `CORSWithConfig`.
func CORSWithConfig(config CORSConfig) Gas {
	config.fill()
	allowMethods := strings.Join(config.AllowMethods, ",")
	allowHeaders := strings.Join(config.AllowHeaders, ",")
	exposeHeaders := strings.Join(config.ExposeHeaders, ",")

	return func(next Handler) Handler {
		return func(req *Request, res *Response) error {
			origin := req.Header("origin")

			res.AppendHeader("Vary", "Origin")
			if origin == "" {
				return next(req, res)
			}

			allowedOrigin := ""
			for _, o := range config.AllowOrigins {
				if o == "*" || o == origin {
					allowedOrigin = o
					break
				}
			}
			if allowedOrigin == "" {
				return next(req, res)
			}

			res.SetHeader("Access-Control-Allow-Origin", allowedOrigin)
			if config.AllowCredentials {
				res.SetHeader("Access-Control-Allow-Credentials", "true")
			}
			if exposeHeaders != "" {
				res.SetHeader("Access-Control-Expose-Headers", exposeHeaders)
			}

			if req.Method() != "OPTIONS" {
				return next(req, res)
			}

			res.AppendHeader("Vary", "Access-Control-Request-Method")
			res.AppendHeader("Vary", "Access-Control-Request-Headers")
			res.SetHeader("Access-Control-Allow-Methods", allowMethods)
			reqHeaders := allowHeaders
			if reqHeaders == "" {
				reqHeaders = req.Header("access-control-request-headers")
			}
			if reqHeaders != "" {
				res.SetHeader("Access-Control-Allow-Headers", reqHeaders)
			}
			if config.MaxAge > 0 {
				res.SetHeader("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
			}

			res.Status = 204
			return nil
		}
	}
}

// CORS returns a CORS Gas using DefaultCORSConfig.
func CORS() Gas { return CORSWithConfig(DefaultCORSConfig) }

// UseCORS installs a CORS Gas at the App's outermost position, the
// convenience constructor spec.md's supplemented-features section calls
// for. Implemented inline for the same import-cycle reason as
// App.EnableLogging: it must not import the separate middleware package.
func (a *App) UseCORS(config CORSConfig) *App {
	a.Gases = append([]Gas{CORSWithConfig(config)}, a.Gases...)
	return a
}

