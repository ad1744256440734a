package pagi

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterMatchesPathParam(t *testing.T) {
	a := New()
	a.Named("user", "GET", "/users/:id", func(req *Request, res *Response) error { return nil })

	m := a.router.match("GET", "/users/42")
	require.NotNil(t, m.handler)
	assert.Equal(t, "42", m.params["id"])
}

func TestRouterMethodNotAllowedListsAllowedMethods(t *testing.T) {
	a := New()
	a.POST("/x", func(req *Request, res *Response) error { return nil })

	m := a.router.match("GET", "/x")
	assert.Nil(t, m.handler)
	assert.Equal(t, []string{"POST"}, m.allow)
}

func TestRouterNotFound(t *testing.T) {
	a := New()
	a.GET("/x", func(req *Request, res *Response) error { return nil })

	m := a.router.match("GET", "/does-not-exist")
	assert.Nil(t, m.handler)
	assert.Nil(t, m.allow)
}

func TestRouterURLForRoundTrips(t *testing.T) {
	a := New()
	a.Named("user", "GET", "/users/:id", func(req *Request, res *Response) error { return nil })

	u, err := a.URLFor("user", map[string]string{"id": "42", "q": "a b"})
	require.NoError(t, err)
	assert.Equal(t, "/users/42?q=a%20b", u)

	m := a.router.match("GET", "/users/42")
	require.NotNil(t, m.handler)
	assert.Equal(t, "42", m.params["id"])
}

func TestRouterURLForUnknownName(t *testing.T) {
	a := New()
	_, err := a.URLFor("missing", nil)
	assert.Error(t, err)
	assert.True(t, IsKind(err, ErrKindNotFound))
}

func TestRouterWildcardCapturesSuffix(t *testing.T) {
	a := New()
	a.GET("/files/*rest", func(req *Request, res *Response) error { return nil })

	m := a.router.match("GET", "/files/a/b/c.txt")
	require.NotNil(t, m.handler)
	assert.Equal(t, "a/b/c.txt", m.params["rest"])
}

func TestRouterRejectsDuplicateRegistration(t *testing.T) {
	a := New()
	a.GET("/x", func(req *Request, res *Response) error { return nil })

	assert.Panics(t, func() {
		a.GET("/x", func(req *Request, res *Response) error { return nil })
	})
}

func TestDefaultNotFoundHandlerStatus(t *testing.T) {
	req := newTestRequest(&Scope{}, nil)
	res := newResponse(req.ctx, req.app, req, func(context.Context, Event) error { return nil })

	err := DefaultNotFoundHandler(req, res)
	assert.True(t, IsKind(err, ErrKindNotFound))
	assert.Equal(t, http.StatusNotFound, res.Status)
}
