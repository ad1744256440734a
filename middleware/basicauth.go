package middleware

import (
	"encoding/base64"
	"strings"

	"github.com/aofei/pagi"
)

// BasicAuthValidator validates a username/password pair extracted from an
// Authorization: Basic header.
type BasicAuthValidator func(username, password string) bool

// BasicAuthConfig configures the BasicAuth Gas, generalizing teacher's
// `gases.BasicAuthConfig` (gases/basic_auth.go).
type BasicAuthConfig struct {
	Validator BasicAuthValidator
	Realm     string
}

// BasicAuth returns a BasicAuth Gas validating credentials with fn, using
// the default realm "Restricted".
func BasicAuth(fn BasicAuthValidator) pagi.Gas {
	return BasicAuthWithConfig(BasicAuthConfig{Validator: fn})
}

// BasicAuthWithConfig returns a BasicAuth Gas built from config: valid
// credentials call the wrapped handler; invalid credentials return 401;
// a missing or malformed Authorization header returns 400, matching
// teacher's `BasicAuthWithConfig` behavior exactly.
func BasicAuthWithConfig(config BasicAuthConfig) pagi.Gas {
	if config.Validator == nil {
		panic("pagi: BasicAuth gas requires a validator function")
	}
	if config.Realm == "" {
		config.Realm = "Restricted"
	}

	return func(next pagi.Handler) pagi.Handler {
		return func(req *pagi.Request, res *pagi.Response) error {
			auth := req.Header("authorization")
			const prefix = "Basic "
			if !strings.HasPrefix(auth, prefix) {
				res.SetHeader("WWW-Authenticate", "Basic realm=\""+config.Realm+"\"")
				res.Status = 400
				return pagi.ErrBadRequest("missing or malformed Authorization header")
			}

			decoded, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
			if err != nil {
				res.Status = 400
				return pagi.ErrBadRequest("malformed Basic credentials")
			}

			user, pass, ok := strings.Cut(string(decoded), ":")
			if !ok || !config.Validator(user, pass) {
				res.SetHeader("WWW-Authenticate", "Basic realm=\""+config.Realm+"\"")
				res.Status = 401
				return pagi.NewError(pagi.ErrKindInternal, 401, "invalid credentials")
			}

			return next(req, res)
		}
	}
}
