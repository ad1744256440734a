package pagi

// Gas is a middleware function in the request-response cycle, kept under
// the teacher's own name and FILO-chaining convention (`air.Gas`):
// App.Gases are applied innermost-registered-first around the routed
// handler, exactly like teacher's `Air.Gases`/`Air.Pregases`.
type Gas func(Handler) Handler

// Before returns a Gas that runs f ahead of the wrapped handler; if f
// returns an error the wrapped handler is never called, implementing the
// "Before" shorthand of spec.md §4.H.
func Before(f func(*Request, *Response) error) Gas {
	return func(next Handler) Handler {
		return func(req *Request, res *Response) error {
			if err := f(req, res); err != nil {
				return err
			}
			return next(req, res)
		}
	}
}

// After returns a Gas that runs f once the wrapped handler returns,
// implementing the "After" shorthand of spec.md §4.H. Unlike Before/Catch,
// f runs unconditionally on the way out, even if the handler raised
// (spec.md §7: "after hooks run regardless of whether the handler
// succeeded or failed"); an error from f itself is logged, not propagated,
// so one misbehaving After hook can never mask or replace the handler's
// own error.
func After(f func(*Request, *Response) error) Gas {
	return func(next Handler) Handler {
		return func(req *Request, res *Response) error {
			handlerErr := next(req, res)
			if err := f(req, res); err != nil {
				req.app.logErrorf("pagi: After hook error: %v", err)
			}
			return handlerErr
		}
	}
}

// Catch returns a Gas that intercepts an error returned by the wrapped
// handler and lets f decide how to handle it (log it, translate it,
// swallow it by returning nil), implementing the "Catch" shorthand of
// spec.md §4.H.
func Catch(f func(error, *Request, *Response) error) Gas {
	return func(next Handler) Handler {
		return func(req *Request, res *Response) error {
			if err := next(req, res); err != nil {
				return f(err, req, res)
			}
			return nil
		}
	}
}

// chain applies gases to h in FILO order: the first gas in the slice ends
// up outermost, matching teacher's `for i := len(gases)-1; i >= 0; i--`
// chaining loop in air.go's ServeHTTP.
func chain(h Handler, gases []Gas) Handler {
	for i := len(gases) - 1; i >= 0; i-- {
		h = gases[i](h)
	}
	return h
}
