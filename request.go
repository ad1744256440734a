package pagi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// Request wraps a Scope and its Receive callable with the lazy, cached
// accessors described in spec.md §4.C. Every accessor is computed at most
// once; the zero value is not ready for use, build one with newRequest.
type Request struct {
	Scope   *Scope
	receive Receive
	ctx     context.Context

	app *App

	headers     CanonicalHeaderValues
	headersDone bool

	query     *Values
	queryDone bool

	cookies     map[string]string
	cookiesDone bool

	bodyBytes []byte
	bodyErr   error
	bodyDone  bool

	formValues  *Values
	uploads     map[string][]*Upload
	formDone    bool
	formErr     error

	jsonValue interface{}
	jsonErr   error
	jsonDone  bool

	ws  *WebSocketConn
	sse *SSEConn
}

func newRequest(ctx context.Context, app *App, scope *Scope, receive Receive) *Request {
	return &Request{Scope: scope, receive: receive, ctx: ctx, app: app}
}

// Method returns the HTTP method of the request ("" for non-HTTP scopes).
func (r *Request) Method() string { return r.Scope.Method }

// Path returns the percent-decoded request path.
func (r *Request) Path() string { return r.Scope.Path }

// IsGet, IsPost, ... are the predicate family of spec.md §4.C.
func (r *Request) IsGet() bool    { return r.Scope.Method == "GET" }
func (r *Request) IsHead() bool   { return r.Scope.Method == "HEAD" }
func (r *Request) IsPost() bool   { return r.Scope.Method == "POST" }
func (r *Request) IsPut() bool    { return r.Scope.Method == "PUT" }
func (r *Request) IsPatch() bool  { return r.Scope.Method == "PATCH" }
func (r *Request) IsDelete() bool { return r.Scope.Method == "DELETE" }

// IsJSON reports whether the request's Content-Type is application/json.
func (r *Request) IsJSON() bool {
	return strings.HasPrefix(r.contentType(), "application/json")
}

// IsForm reports whether the request's Content-Type is
// application/x-www-form-urlencoded.
func (r *Request) IsForm() bool {
	return strings.HasPrefix(r.contentType(), "application/x-www-form-urlencoded")
}

// IsMultipart reports whether the request's Content-Type is multipart/form-data.
func (r *Request) IsMultipart() bool {
	return strings.HasPrefix(r.contentType(), "multipart/form-data")
}

func (r *Request) contentType() string {
	ct := r.Header("content-type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}

// Headers returns the case-insensitive, possibly multi-valued header map,
// computing it from the Scope on first call.
func (r *Request) Headers() CanonicalHeaderValues {
	if !r.headersDone {
		h := CanonicalHeaderValues{Values: NewValues()}
		for _, pair := range r.Scope.Headers {
			h.addHeader(pair[0], pair[1])
		}
		r.headers = h
		r.headersDone = true
	}
	return r.headers
}

// Header returns the last value of the header named name (case-insensitive),
// or "" if absent, matching spec.md's "last value if repeated" rule.
func (r *Request) Header(name string) string {
	return r.Headers().Last(name)
}

// PathParam returns a matched router path parameter, or "" if absent.
func (r *Request) PathParam(name string) string {
	if r.Scope.Router == nil {
		return ""
	}
	return r.Scope.Router.Params[name]
}

// PathParams returns every matched router path parameter.
func (r *Request) PathParams() map[string]string {
	if r.Scope.Router == nil {
		return nil
	}
	return r.Scope.Router.Params
}

// Stash returns the per-request scratch mapping.
func (r *Request) Stash() *Stash { return r.Scope.Stash }

// WebSocket returns the WebSocketConn driving this request, for a route
// registered with App.WS (spec.md §4.E). It is nil for any other scope type.
func (r *Request) WebSocket() *WebSocketConn { return r.ws }

// SSE returns the SSEConn driving this request, for a route registered
// with App.SSE (spec.md §4.F). It is nil for any other scope type.
func (r *Request) SSE() *SSEConn { return r.sse }

// RawQueryParam returns the undecoded bytes of the first query parameter
// named name, or nil.
func (r *Request) RawQueryParam(name string) []byte {
	for _, kv := range splitQuery(r.Scope.QueryString) {
		if kv[0] == name {
			return kv[1]
		}
	}
	return nil
}

// QueryParam percent-decodes and UTF-8-decodes the first query parameter
// named name. With strict=false (the common case), invalid byte sequences
// are replaced by U+FFFD; with strict=true, a decode failure returns a
// malformed-request error.
func (r *Request) QueryParam(name string, strict bool) (string, error) {
	raw := r.RawQueryParam(name)
	if raw == nil {
		return "", nil
	}
	return decodeFormValue(raw, strict)
}

// Query returns the full, percent-decoded, cached query multi-map.
func (r *Request) Query() *Values {
	if !r.queryDone {
		v := NewValues()
		for _, kv := range splitQuery(r.Scope.QueryString) {
			dv, _ := decodeFormValue(kv[1], false)
			v.Add(kv[0], dv)
		}
		r.query = v
		r.queryDone = true
	}
	return r.query
}

// splitQuery splits a raw query string into undecoded [name, value] byte
// pairs, the way spec.md's RawQueryParam requires.
func splitQuery(q []byte) [][2][]byte {
	var pairs [][2][]byte
	for _, part := range bytes.Split(q, []byte{'&'}) {
		if len(part) == 0 {
			continue
		}
		if i := bytes.IndexByte(part, '='); i >= 0 {
			pairs = append(pairs, [2][]byte{part[:i], part[i+1:]})
		} else {
			pairs = append(pairs, [2][]byte{part, nil})
		}
	}
	return pairs
}

// Cookies returns the cookies parsed lazily from the Cookie header.
func (r *Request) Cookies() map[string]string {
	if !r.cookiesDone {
		r.cookies = parseCookieHeader(r.Header("cookie"))
		r.cookiesDone = true
	}
	return r.cookies
}

// Cookie returns the value of the cookie named name, and whether it was
// present.
func (r *Request) Cookie(name string) (string, bool) {
	v, ok := r.Cookies()[name]
	return v, ok
}

// Body reads the inbound body stream until it is exhausted, concatenating
// every HTTPRequestEvent.Body chunk, and caches the result: repeated calls
// never issue another Receive (spec.md invariant 1).
func (r *Request) Body() ([]byte, error) {
	if !r.bodyDone {
		r.bodyBytes, r.bodyErr = r.readBody()
		r.bodyDone = true
	}
	return r.bodyBytes, r.bodyErr
}

func (r *Request) readBody() ([]byte, error) {
	var buf bytes.Buffer
	for {
		ev, err := r.receive(r.ctx)
		if err != nil {
			return buf.Bytes(), err
		}
		switch e := ev.(type) {
		case HTTPRequestEvent:
			buf.Write(e.Body)
			if !e.More {
				return buf.Bytes(), nil
			}
		case HTTPDisconnectEvent:
			return buf.Bytes(), nil
		default:
			return buf.Bytes(), ErrProgramming("unexpected event while reading body: " + ev.EventName())
		}
	}
}

// Text returns the body decoded as UTF-8.
func (r *Request) Text() (string, error) {
	b, err := r.Body()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// JSON decodes the cached body as JSON into v. A malformed body returns an
// ErrBadRequest.
func (r *Request) JSON(v interface{}) error {
	b, err := r.Body()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return ErrBadRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

// Form returns the parsed form fields. For
// application/x-www-form-urlencoded bodies it decodes the cached Body; for
// multipart/form-data it delegates to the multipart parser (§4.D), which
// also populates Uploads. The result is cached. For urlencoded bodies the
// bytes stay available from Body; a multipart parse consumes the body
// stream, and Body returns nil afterwards.
func (r *Request) Form() (*Values, error) {
	if err := r.parseForm(); err != nil {
		return nil, err
	}
	return r.formValues, nil
}

// Uploads returns the parsed file parts of a multipart/form-data body,
// keyed by field name.
func (r *Request) Uploads() (map[string][]*Upload, error) {
	if err := r.parseForm(); err != nil {
		return nil, err
	}
	return r.uploads, nil
}

func (r *Request) parseForm() error {
	if r.formDone {
		return r.formErr
	}
	r.formDone = true

	switch {
	case r.IsMultipart():
		_, params, err := mime.ParseMediaType(r.Header("content-type"))
		if err != nil {
			r.formErr = ErrBadRequest("invalid multipart content-type: " + err.Error())
			return r.formErr
		}
		boundary := params["boundary"]
		if boundary == "" {
			r.formErr = ErrBadRequest("multipart request missing boundary")
			return r.formErr
		}

		p := newMultipartParser(boundary, r.app.multipartLimits())
		fields, uploads, err := p.parse(r.ctx, r.receive)
		if err != nil {
			r.formErr = err
			return err
		}
		r.formValues = fields
		r.uploads = uploads
		r.bodyDone = true // the raw stream is now fully consumed
		return nil
	case r.IsForm():
		b, err := r.Body()
		if err != nil {
			r.formErr = err
			return err
		}
		r.formValues, r.formErr = parseURLEncodedForm(b)
		return r.formErr
	default:
		r.formValues = NewValues()
		return nil
	}
}

// parseURLEncodedForm splits body on '&' and '=', unescaping '+' to space
// and percent-encoding, UTF-8 decoding with replacement (spec.md §4.C).
func parseURLEncodedForm(body []byte) (*Values, error) {
	v := NewValues()
	for _, part := range bytes.Split(body, []byte{'&'}) {
		if len(part) == 0 {
			continue
		}
		var key, val []byte
		if i := bytes.IndexByte(part, '='); i >= 0 {
			key, val = part[:i], part[i+1:]
		} else {
			key = part
		}
		dk, err := decodeFormValue(key, false)
		if err != nil {
			return nil, err
		}
		dv, err := decodeFormValue(val, false)
		if err != nil {
			return nil, err
		}
		v.Add(dk, dv)
	}
	return v, nil
}

// decodeFormValue unescapes '+' to space and percent-encoding, then
// UTF-8-decodes the result. With strict=false invalid sequences become
// U+FFFD; with strict=true they raise a malformed-request error.
func decodeFormValue(raw []byte, strict bool) (string, error) {
	buf := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '+':
			buf = append(buf, ' ')
		case '%':
			if i+2 < len(raw) {
				if hi, lo := unhexDigit(raw[i+1]), unhexDigit(raw[i+2]); hi >= 0 && lo >= 0 {
					buf = append(buf, byte(hi<<4|lo))
					i += 2
					continue
				}
			}
			if strict {
				return "", ErrBadRequest("malformed percent-encoding")
			}
			buf = append(buf, raw[i])
		default:
			buf = append(buf, raw[i])
		}
	}

	if utf8.Valid(buf) {
		return string(buf), nil
	}
	if strict {
		return "", ErrBadRequest("invalid UTF-8 in request value")
	}
	out, _, err := transform.String(runes.ReplaceIllFormed(), string(buf))
	if err != nil {
		return string(buf), nil
	}
	return out, nil
}

func unhexDigit(c byte) int {
	switch {
	case '0' <= c && c <= '9':
		return int(c - '0')
	case 'a' <= c && c <= 'f':
		return int(c-'a') + 10
	case 'A' <= c && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}

// acceptEntry is one parsed `Accept` header alternative.
type acceptEntry struct {
	typ, subtype string
	q            float64
}

func (a acceptEntry) specificity() int {
	switch {
	case a.typ != "*" && a.subtype != "*":
		return 2
	case a.typ != "*":
		return 1
	default:
		return 0
	}
}

func (r *Request) parseAccept() []acceptEntry {
	header := r.Header("accept")
	if header == "" {
		return []acceptEntry{{typ: "*", subtype: "*", q: 1}}
	}

	var entries []acceptEntry
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ";")
		mt := strings.TrimSpace(fields[0])
		typ, subtype := "*", "*"
		if i := strings.IndexByte(mt, '/'); i >= 0 {
			typ, subtype = mt[:i], mt[i+1:]
		} else if mt != "" {
			typ = mt
		}

		q := 1.0
		for _, p := range fields[1:] {
			p = strings.TrimSpace(p)
			if strings.HasPrefix(p, "q=") {
				if f, err := strconv.ParseFloat(strings.TrimPrefix(p, "q="), 64); err == nil {
					q = f
				}
			}
		}

		entries = append(entries, acceptEntry{typ: typ, subtype: subtype, q: q})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].q != entries[j].q {
			return entries[i].q > entries[j].q
		}
		return entries[i].specificity() > entries[j].specificity()
	})

	return entries
}

// Accepts reports whether the request's Accept header matches typ (which
// may itself contain a wildcard subtype, e.g. "text/*") with q>0.
func (r *Request) Accepts(typ string) bool {
	wantTyp, wantSub := typ, "*"
	if i := strings.IndexByte(typ, '/'); i >= 0 {
		wantTyp, wantSub = typ[:i], typ[i+1:]
	}

	for _, e := range r.parseAccept() {
		if e.q <= 0 {
			continue
		}
		if (e.typ == "*" || e.typ == wantTyp) && (e.subtype == "*" || e.subtype == wantSub) {
			return true
		}
	}
	return false
}

// PreferredType returns the first entry of candidates the client's Accept
// header matches, in the client's preference order, or "" if none match.
func (r *Request) PreferredType(candidates []string) string {
	for _, e := range r.parseAccept() {
		if e.q <= 0 {
			continue
		}
		for _, c := range candidates {
			ctyp, csub := c, "*"
			if i := strings.IndexByte(c, '/'); i >= 0 {
				ctyp, csub = c[:i], c[i+1:]
			}
			if (e.typ == "*" || e.typ == ctyp) && (e.subtype == "*" || e.subtype == csub) {
				return c
			}
		}
	}
	return ""
}

// IsHTMX reports whether the request was made by HTMX (detected via the
// conventional HX-Request header), used by the view engine to decide
// whether to skip the layout by default (spec.md §4.K).
func (r *Request) IsHTMX() bool {
	return strings.EqualFold(r.Header("hx-request"), "true")
}

// Bind decodes the request's form fields (or JSON body, if IsJSON) into v
// using mapstructure, an ambient convenience generalized from the teacher's
// struct-tag binder.
func (r *Request) Bind(v interface{}) error {
	if r.IsJSON() {
		return r.JSON(v)
	}

	form, err := r.Form()
	if err != nil {
		return err
	}

	m := make(map[string]interface{}, form.Len())
	for _, k := range form.Keys() {
		vals := form.All(k)
		if len(vals) == 1 {
			m[k] = vals[0]
		} else {
			m[k] = vals
		}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "pagi",
		WeaklyTypedInput: true,
		Result:           v,
	})
	if err != nil {
		return err
	}
	return dec.Decode(m)
}

// canonicalHeaderKey is a small helper mirroring textproto's canonicalization
// for headers pagi itself emits (used by response.go).
func canonicalHeaderKey(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

// cleanupUploads removes any spooled-to-disk upload that a handler never
// moved or consumed, the invariant from spec.md §4.D ("an unmoved spooled
// upload is removed once the request finishes").
func (r *Request) cleanupUploads() {
	for _, ups := range r.uploads {
		for _, u := range ups {
			u.cleanup()
		}
	}
}
