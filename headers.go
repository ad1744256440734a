package pagi

import "strings"

// Values is an ordered multi-map used for headers, query parameters, form
// fields and cookies: several of spec.md's data model entries are
// explicitly "ordered sequence of pairs" or "multi-map", and all of them
// share the same lazily-built, case-sensitive-key/insertion-ordered shape,
// adapted from the teacher's case-insensitive `Headers` helper.
type Values struct {
	keys   []string
	values map[string][]string
}

// NewValues returns an empty Values.
func NewValues() *Values {
	return &Values{values: map[string][]string{}}
}

// Add appends value under key, preserving insertion order of keys.
func (v *Values) Add(key, value string) {
	if _, ok := v.values[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.values[key] = append(v.values[key], value)
}

// Set replaces all values under key with a single value.
func (v *Values) Set(key, value string) {
	if _, ok := v.values[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.values[key] = []string{value}
}

// Get returns the first value under key, or "".
func (v *Values) Get(key string) string {
	if vs := v.values[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Last returns the last value under key, or "". Used where spec.md
// requires "the last value if repeated" (e.g. Request.Header).
func (v *Values) Last(key string) string {
	if vs := v.values[key]; len(vs) > 0 {
		return vs[len(vs)-1]
	}
	return ""
}

// All returns every value under key.
func (v *Values) All(key string) []string {
	return v.values[key]
}

// Keys returns the distinct keys in insertion order.
func (v *Values) Keys() []string {
	return v.keys
}

// Len reports how many distinct keys are stored.
func (v *Values) Len() int { return len(v.keys) }

// CanonicalHeaderValues behaves like Values but looks keys up
// case-insensitively, matching spec.md's requirement that header names are
// case-insensitive ASCII.
type CanonicalHeaderValues struct {
	*Values
}

// Get returns the first value of the header named key, matched
// case-insensitively.
func (c CanonicalHeaderValues) Get(key string) string {
	return c.Values.Get(strings.ToLower(key))
}

// Last returns the last value of the header named key, matched
// case-insensitively — the semantics spec.md mandates for
// Request.Header(name).
func (c CanonicalHeaderValues) Last(key string) string {
	return c.Values.Last(strings.ToLower(key))
}

// All returns every value of the header named key, matched
// case-insensitively.
func (c CanonicalHeaderValues) All(key string) []string {
	return c.Values.All(strings.ToLower(key))
}

// addHeader appends a header pair under its lower-cased name.
func (c CanonicalHeaderValues) addHeader(name, value string) {
	c.Values.Add(strings.ToLower(name), value)
}
