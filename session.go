package pagi

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/crypto/blake2b"
)

// SessionStore signs and verifies session payloads carried in a single
// cookie, per spec.md §4.I. Signing uses a keyed BLAKE2b MAC from
// golang.org/x/crypto (already a teacher dependency via the ACME/autocert
// stack in air.go, here given a second, session-signing use), verified in
// constant time.
type SessionStore struct {
	secret   []byte
	cookie   string
	maxAge   int
	path     string
	domain   string
	secure   bool
	sameSite SameSite
}

// NewSessionStore returns a SessionStore signing with secret under cookie
// name name. secret should be at least 32 random bytes.
func NewSessionStore(name string, secret []byte) *SessionStore {
	return &SessionStore{
		secret: secret,
		cookie: name,
		path:   "/",
		maxAge: 0,
	}
}

// WithMaxAge sets the session cookie's Max-Age in seconds.
func (s *SessionStore) WithMaxAge(seconds int) *SessionStore { s.maxAge = seconds; return s }

// WithPath sets the session cookie's Path.
func (s *SessionStore) WithPath(path string) *SessionStore { s.path = path; return s }

// WithDomain sets the session cookie's Domain.
func (s *SessionStore) WithDomain(domain string) *SessionStore { s.domain = domain; return s }

// WithSecure marks the session cookie Secure.
func (s *SessionStore) WithSecure(secure bool) *SessionStore { s.secure = secure; return s }

// WithSameSite sets the session cookie's SameSite attribute.
func (s *SessionStore) WithSameSite(v SameSite) *SessionStore { s.sameSite = v; return s }

// Session is the decoded, mutable payload of a request's session cookie.
type Session struct {
	values  map[string]interface{}
	dirty   bool
	existed bool
}

// Get returns the value stored under key, and whether it was present.
func (s *Session) Get(key string) (interface{}, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key, marking the session dirty so it is
// re-signed and re-sent.
func (s *Session) Set(key string, value interface{}) {
	s.values[key] = value
	s.dirty = true
}

// Delete removes key from the session.
func (s *Session) Delete(key string) {
	if _, ok := s.values[key]; ok {
		delete(s.values, key)
		s.dirty = true
	}
}

// Clear empties the session.
func (s *Session) Clear() {
	if len(s.values) > 0 {
		s.values = map[string]interface{}{}
		s.dirty = true
	}
}

// IsDirty reports whether the session was mutated since it was loaded.
func (s *Session) IsDirty() bool { return s.dirty }

func newEmptySession() *Session {
	return &Session{values: map[string]interface{}{}}
}

// Load reads and verifies the request's session cookie, returning an empty
// session if absent, tampered, or malformed (per spec.md §4.I: "a
// malformed or forged session cookie is treated as an empty session, not
// an error").
func (s *SessionStore) Load(req *Request) *Session {
	raw, ok := req.Cookie(s.cookie)
	if !ok || raw == "" {
		return newEmptySession()
	}

	payload, err := s.verify(raw)
	if err != nil {
		return newEmptySession()
	}

	values := map[string]interface{}{}
	if err := json.Unmarshal(payload, &values); err != nil {
		return newEmptySession()
	}

	return &Session{values: values, existed: true}
}

// Save writes sess back onto res as a signed Set-Cookie, or removes the
// cookie entirely if sess is empty and previously existed (spec.md §4.I).
func (s *SessionStore) Save(res *Response, sess *Session) error {
	if len(sess.values) == 0 {
		if sess.existed {
			res.RemoveCookie(s.cookie, &Cookie{Path: s.path, Domain: s.domain})
		}
		return nil
	}

	payload, err := json.Marshal(sess.values)
	if err != nil {
		return ErrInternal("failed to marshal session", err)
	}

	signed, err := s.sign(payload)
	if err != nil {
		return err
	}

	c := NewCookie(s.cookie, signed)
	c.Path = s.path
	c.Domain = s.domain
	c.Secure = s.secure
	c.HTTPOnly = true
	c.SameSite = s.sameSite
	if s.maxAge > 0 {
		c.MaxAge = s.maxAge
		c.Expires = time.Now().Add(time.Duration(s.maxAge) * time.Second)
	}

	res.SetCookie(c)
	return nil
}

// sign produces "<base64(payload)>.<base64(mac)>".
func (s *SessionStore) sign(payload []byte) (string, error) {
	mac, err := blake2b.New256(s.secret)
	if err != nil {
		return "", ErrInternal("failed to initialize session signer", err)
	}
	mac.Write(payload)
	sum := mac.Sum(nil)

	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(sum), nil
}

// verify splits and checks a signed cookie value, returning the payload
// bytes on success.
func (s *SessionStore) verify(signed string) ([]byte, error) {
	enc := base64.RawURLEncoding

	dot := -1
	for i := 0; i < len(signed); i++ {
		if signed[i] == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return nil, errors.New("pagi: malformed session cookie")
	}

	payload, err := enc.DecodeString(signed[:dot])
	if err != nil {
		return nil, err
	}
	gotMAC, err := enc.DecodeString(signed[dot+1:])
	if err != nil {
		return nil, err
	}

	mac, err := blake2b.New256(s.secret)
	if err != nil {
		return nil, err
	}
	mac.Write(payload)
	wantMAC := mac.Sum(nil)

	if subtle.ConstantTimeCompare(gotMAC, wantMAC) != 1 {
		return nil, errors.New("pagi: session signature mismatch")
	}

	return payload, nil
}
