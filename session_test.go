package pagi

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopSend(ctx context.Context, ev Event) error { return nil }

// setCookieFromResponse extracts the Set-Cookie value queued for name,
// formatted exactly as it would appear on the wire.
func setCookieFromResponse(t *testing.T, res *Response, name string) string {
	t.Helper()
	for _, c := range res.Cookies {
		if c.Name == name {
			return c.String()
		}
	}
	t.Fatalf("no Set-Cookie queued for %q", name)
	return ""
}

// parseSetCookieValue extracts just the NAME=VALUE portion of a serialized
// Set-Cookie header, the way a client would before resending it as Cookie.
func parseSetCookieValue(setCookie string) string {
	return strings.SplitN(setCookie, ";", 2)[0]
}

func TestSessionRoundTrip(t *testing.T) {
	store := NewSessionStore("sess", []byte("0123456789abcdef0123456789abcdef"))

	req1 := newTestRequest(&Scope{}, nil)
	sess := store.Load(req1)
	assert.False(t, sess.IsDirty())

	sess.Set("user_id", "42")
	assert.True(t, sess.IsDirty())

	res := newResponse(req1.ctx, req1.app, req1, noopSend)
	require.NoError(t, store.Save(res, sess))

	setCookie := setCookieFromResponse(t, res, "sess")
	cookiePair := parseSetCookieValue(setCookie)

	req2 := newTestRequest(&Scope{
		Headers: []HeaderPair{{"Cookie", cookiePair}},
	}, nil)

	sess2 := store.Load(req2)
	v, ok := sess2.Get("user_id")
	require.True(t, ok)
	assert.Equal(t, "42", v)
	assert.False(t, sess2.IsDirty())
}

func TestSessionTamperedCookieLoadsEmpty(t *testing.T) {
	store := NewSessionStore("sess", []byte("0123456789abcdef0123456789abcdef"))

	req1 := newTestRequest(&Scope{}, nil)
	sess := store.Load(req1)
	sess.Set("user_id", "42")

	res := newResponse(req1.ctx, req1.app, req1, noopSend)
	require.NoError(t, store.Save(res, sess))

	setCookie := setCookieFromResponse(t, res, "sess")
	cookiePair := parseSetCookieValue(setCookie)

	tampered := cookiePair[:len(cookiePair)-1] + "x"

	req2 := newTestRequest(&Scope{
		Headers: []HeaderPair{{"Cookie", tampered}},
	}, nil)

	sess2 := store.Load(req2)
	_, ok := sess2.Get("user_id")
	assert.False(t, ok)
}

func TestSessionSavingEmptyPreviouslyExistingRemovesCookie(t *testing.T) {
	store := NewSessionStore("sess", []byte("0123456789abcdef0123456789abcdef"))

	req1 := newTestRequest(&Scope{}, nil)
	sess := store.Load(req1)
	sess.Set("user_id", "42")
	res1 := newResponse(req1.ctx, req1.app, req1, noopSend)
	require.NoError(t, store.Save(res1, sess))
	cookiePair := parseSetCookieValue(setCookieFromResponse(t, res1, "sess"))

	req2 := newTestRequest(&Scope{
		Headers: []HeaderPair{{"Cookie", cookiePair}},
	}, nil)
	sess2 := store.Load(req2)
	sess2.Clear()

	res2 := newResponse(req2.ctx, req2.app, req2, noopSend)
	require.NoError(t, store.Save(res2, sess2))

	setCookie := setCookieFromResponse(t, res2, "sess")
	assert.True(t, strings.Contains(setCookie, "Max-Age=0"))
	assert.Equal(t, http.StatusOK, res2.Status)
}

func TestSessionSavingEmptyNeverExistingDoesNothing(t *testing.T) {
	store := NewSessionStore("sess", []byte("0123456789abcdef0123456789abcdef"))

	req := newTestRequest(&Scope{}, nil)
	sess := store.Load(req)

	res := newResponse(req.ctx, req.app, req, noopSend)
	require.NoError(t, store.Save(res, sess))

	assert.Empty(t, res.Cookies)
}
