// Package middleware bundles optional Gases built on top of the root pagi
// package, the same one-directional relationship teacher's `gases` package
// has with `air`: middleware imports pagi, never the reverse.
package middleware

import (
	"fmt"
	"runtime"

	"github.com/aofei/pagi"
)

// RecoverConfig configures the Recover Gas, generalizing teacher's
// `gases.RecoverConfig` (gases/recover.go).
type RecoverConfig struct {
	StackSize         int
	DisableStackAll   bool
	DisablePrintStack bool
}

// DefaultRecoverConfig is the 4KB-stack default teacher ships.
var DefaultRecoverConfig = RecoverConfig{StackSize: 4 << 10}

// Recover returns a Gas that recovers from a panic anywhere in the handler
// chain and converts it into an internal error handed to the centralized
// ErrorHandler, using DefaultRecoverConfig.
func Recover() pagi.Gas { return RecoverWithConfig(DefaultRecoverConfig) }

// RecoverWithConfig returns a Recover Gas built from config.
func RecoverWithConfig(config RecoverConfig) pagi.Gas {
	if config.StackSize == 0 {
		config.StackSize = DefaultRecoverConfig.StackSize
	}

	return func(next pagi.Handler) pagi.Handler {
		return func(req *pagi.Request, res *pagi.Response) (err error) {
			defer func() {
				if r := recover(); r != nil {
					switch v := r.(type) {
					case error:
						err = v
					default:
						err = fmt.Errorf("%v", v)
					}

					if !config.DisablePrintStack {
						stack := make([]byte, config.StackSize)
						length := runtime.Stack(stack, !config.DisableStackAll)
						err = pagi.ErrInternal(
							fmt.Sprintf("recovered from panic: %v\n%s", err, stack[:length]),
							err,
						)
					} else {
						err = pagi.ErrInternal("recovered from panic", err)
					}
				}
			}()
			return next(req, res)
		}
	}
}
