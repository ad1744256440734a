package pagi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/textproto"
	"strconv"

	"github.com/aofei/pagi/view"
)

// ResponseHeader is an ordered, case-insensitively-keyed multi-map of
// outbound header values, canonicalized on write the way net/http.Header
// is, so they serialize with conventional casing.
type ResponseHeader struct {
	keys   []string
	values map[string][]string
}

// NewResponseHeader returns an empty ResponseHeader.
func NewResponseHeader() *ResponseHeader {
	return &ResponseHeader{values: map[string][]string{}}
}

// Set replaces all values of name with value.
func (h *ResponseHeader) Set(name, value string) {
	key := textproto.CanonicalMIMEHeaderKey(name)
	if _, ok := h.values[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[key] = []string{value}
}

// Append adds value to the existing values of name.
func (h *ResponseHeader) Append(name, value string) {
	key := textproto.CanonicalMIMEHeaderKey(name)
	if _, ok := h.values[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[key] = append(h.values[key], value)
}

// Get returns the first value of name, or "".
func (h *ResponseHeader) Get(name string) string {
	if vs := h.values[textproto.CanonicalMIMEHeaderKey(name)]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Del removes every value of name.
func (h *ResponseHeader) Del(name string) {
	key := textproto.CanonicalMIMEHeaderKey(name)
	delete(h.values, key)
	for i, k := range h.keys {
		if k == key {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Pairs flattens the header map into the wire-vocabulary's ordered
// [name, value] pair list.
func (h *ResponseHeader) Pairs() []HeaderPair {
	var pairs []HeaderPair
	for _, k := range h.keys {
		for _, v := range h.values[k] {
			pairs = append(pairs, HeaderPair{k, v})
		}
	}
	return pairs
}

// Response is a buffered HTTP response being composed by a handler
// (spec.md §3/§4.C). It tracks the two terminal states of the data model,
// `completed` and `streaming`, through the Written/Streaming flags.
type Response struct {
	Status  int
	Header  *ResponseHeader
	Cookies []*Cookie

	// Written becomes true the instant response.start has been sent.
	// Setting headers or the status after Written is true is a
	// programming error: it is logged and ignored, per spec.md §4.C.
	Written bool

	// Streaming becomes true once the response switched to incremental
	// body emission via Stream/StreamFrom; Body-buffering helpers
	// (JSON/Text/HTML) are no longer usable afterwards.
	Streaming bool

	ctx  context.Context
	send Send
	req  *Request
	app  *App

	buf bytes.Buffer

	deferredFuncs []func()
}

func newResponse(ctx context.Context, app *App, req *Request, send Send) *Response {
	return &Response{
		Status: 200,
		Header: NewResponseHeader(),
		ctx:    ctx,
		send:   send,
		req:    req,
		app:    app,
	}
}

// SetStatus sets the status code to be used when the response starts.
func (r *Response) SetStatus(status int) *Response {
	if r.Written {
		r.app.logErrorf("pagi: Response.SetStatus called after response.start")
		return r
	}
	r.Status = status
	return r
}

// SetHeader sets a single response header value, replacing any existing
// values.
func (r *Response) SetHeader(name, value string) *Response {
	if r.Written {
		r.app.logErrorf("pagi: Response.SetHeader called after response.start")
		return r
	}
	r.Header.Set(name, value)
	return r
}

// AppendHeader adds an additional response header value.
func (r *Response) AppendHeader(name, value string) *Response {
	if r.Written {
		r.app.logErrorf("pagi: Response.AppendHeader called after response.start")
		return r
	}
	r.Header.Append(name, value)
	return r
}

// SetCookie queues name=value to be emitted as a Set-Cookie header when the
// response starts. It returns the Response for chaining, as spec.md §4.C
// requires.
func (r *Response) SetCookie(c *Cookie) *Response {
	r.Cookies = append(r.Cookies, c)
	return r
}

// RemoveCookie queues an expired Set-Cookie for name, using opts for the
// matching Path/Domain (a removal must target the same scope the cookie was
// set with to actually clear it in the browser).
func (r *Response) RemoveCookie(name string, opts *Cookie) *Response {
	c := &Cookie{Name: name, Path: "/"}
	if opts != nil {
		c.Path = opts.Path
		c.Domain = opts.Domain
	}
	r.Cookies = append(r.Cookies, c.Expired())
	return r
}

// OnFinish registers f to run after the response has been fully emitted,
// generalizing the teacher's deferredFuncs mechanism used for connection
// cleanup (e.g. releasing a spooled upload or a service-container cleanup
// hook).
func (r *Response) OnFinish(f func()) {
	r.deferredFuncs = append(r.deferredFuncs, f)
}

func (r *Response) runDeferred() {
	for i := len(r.deferredFuncs) - 1; i >= 0; i-- {
		r.deferredFuncs[i]()
	}
}

// start emits exactly one http.response.start event, applying queued
// cookies as Set-Cookie headers. Calling it twice is a programming error
// per the invariant in spec.md §3 ("response.start is emitted at most once
// per HTTP exchange").
func (r *Response) start() error {
	if r.Written {
		return ErrProgramming("http.response.start sent twice")
	}

	for _, c := range r.Cookies {
		r.Header.Append("Set-Cookie", c.String())
	}

	r.Written = true
	return r.send(r.ctx, HTTPResponseStartEvent{Status: r.Status, Headers: r.Header.Pairs()})
}

// writeBody emits one http.response.body event; more indicates whether
// further body events will follow.
func (r *Response) writeBody(body []byte, more bool) error {
	return r.send(r.ctx, HTTPResponseBodyEvent{Body: body, More: more})
}

// flushBuffered sends response.start (an error if it was already sent)
// followed by the
// entire buffered body as the single, final body event — the "completed"
// terminal state of spec.md §3.
func (r *Response) flushBuffered() error {
	if err := r.start(); err != nil {
		return err
	}
	return r.writeBody(r.buf.Bytes(), false)
}

// Write appends to the buffered response body without sending anything
// yet; the buffer is emitted as the single final body event by the
// top-level request handler once the handler chain returns.
func (r *Response) Write(p []byte) (int, error) {
	if r.Streaming {
		return 0, ErrProgramming("Response.Write called after switching to streaming")
	}
	if r.Header.Get("Content-Type") == "" {
		r.Header.Set("Content-Type", "application/octet-stream")
	}
	return r.buf.Write(p)
}

// WriteString appends a raw string to the buffered body.
func (r *Response) WriteString(s string) (int, error) {
	return r.Write([]byte(s))
}

// Text sets the response Content-Type to text/plain and writes s, UTF-8
// encoded.
func (r *Response) Text(s string) error {
	r.Header.Set("Content-Type", "text/plain; charset=utf-8")
	_, err := r.buf.WriteString(s)
	return err
}

// HTML sets the response Content-Type to text/html and writes s.
func (r *Response) HTML(s string) error {
	r.Header.Set("Content-Type", "text/html; charset=utf-8")
	_, err := r.buf.WriteString(s)
	return err
}

// JSON marshals value and writes it with a JSON content type.
func (r *Response) JSON(value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return ErrInternal("failed to marshal JSON response", err)
	}
	r.Header.Set("Content-Type", "application/json; charset=utf-8")
	_, err = r.buf.Write(b)
	return err
}

// Render looks up, renders and writes the named template through the
// App's view engine (spec.md §4.K), detecting HTMX requests the way the
// spec's HTMX integration note describes: `render(name, layout: auto)`
// skips the layout by default for an HTMX request unless opts explicitly
// forces one via view.WithLayout/view.WithoutLayout.
func (r *Response) Render(name string, vars map[string]interface{}, opts ...view.RenderOption) error {
	v := r.app.View()
	if v == nil {
		return ErrProgramming("pagi: Response.Render called but no view engine is installed (call App.Views first)")
	}

	r.Header.Set("Content-Type", "text/html; charset=utf-8")
	return v.Render(&r.buf, name, vars, r.req.IsHTMX(), opts...)
}

// RenderFragment renders name with the layout always skipped, matching
// spec.md's `render_fragment` variant.
func (r *Response) RenderFragment(name string, vars map[string]interface{}) error {
	return r.Render(name, vars, view.Fragment())
}

// Redirect sets the Location header and a redirect status (302 by default).
func (r *Response) Redirect(url string, status ...int) error {
	st := 302
	if len(status) > 0 {
		st = status[0]
	}
	r.Status = st
	r.Header.Set("Location", url)
	return nil
}

// Buffered returns the bytes written to the response body buffer so far.
// It is meant for Gases that need to post-process a completed buffered
// response (e.g. gzip compression) before it is flushed.
func (r *Response) Buffered() []byte { return r.buf.Bytes() }

// ReplaceBuffered discards the current buffered body and replaces it with
// b, used by the same class of post-processing Gas.
func (r *Response) ReplaceBuffered(b []byte) {
	r.buf.Reset()
	r.buf.Write(b)
}

// contentLength returns the Content-Length that should be emitted for a
// buffered (non-streaming) response.
func (r *Response) contentLength() string {
	return strconv.Itoa(r.buf.Len())
}

// finishBuffered is called by the top-level dispatcher once a handler
// returns without switching to streaming: it sets Content-Length and flushes
// the buffer as a single completed response.
func (r *Response) finishBuffered() error {
	if r.Streaming || r.Written {
		return nil
	}
	if r.Header.Get("Content-Length") == "" {
		r.Header.Set("Content-Length", r.contentLength())
	}
	return r.flushBuffered()
}

// String implements fmt.Stringer for debugging/logging.
func (r *Response) String() string {
	return fmt.Sprintf("pagi.Response{Status: %d, Written: %t, Streaming: %t}", r.Status, r.Written, r.Streaming)
}
