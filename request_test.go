package pagi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReceive replays a single HTTPRequestEvent carrying body, followed by
// an HTTPDisconnectEvent if further calls are made, matching the gateway
// contract's "more=false ends the stream" rule.
func fakeReceive(body []byte) Receive {
	sent := false
	return func(ctx context.Context) (Event, error) {
		if !sent {
			sent = true
			return HTTPRequestEvent{Body: body, More: false}, nil
		}
		return HTTPDisconnectEvent{}, nil
	}
}

func newTestRequest(scope *Scope, body []byte) *Request {
	if scope.Stash == nil {
		scope.Stash = NewStash()
	}
	return newRequest(context.Background(), New(), scope, fakeReceive(body))
}

func TestRequestHeaderLastValueWins(t *testing.T) {
	req := newTestRequest(&Scope{
		Headers: []HeaderPair{{"X-Foo", "a"}, {"x-foo", "b"}},
	}, nil)

	assert.Equal(t, "b", req.Header("X-Foo"))
	assert.Equal(t, []string{"a", "b"}, req.Headers().All("x-foo"))
}

func TestRequestQueryParamDecoding(t *testing.T) {
	req := newTestRequest(&Scope{
		QueryString: []byte("q=hello+world&tag=a%20b"),
	}, nil)

	assert.Equal(t, "hello world", req.Query().Get("q"))
	assert.Equal(t, "a b", req.Query().Get("tag"))

	v, err := req.QueryParam("tag", false)
	require.NoError(t, err)
	assert.Equal(t, "a b", v)
}

func TestRequestQueryParamStrictRejectsBadPercentEncoding(t *testing.T) {
	req := newTestRequest(&Scope{QueryString: []byte("q=%zz")}, nil)

	_, err := req.QueryParam("q", true)
	assert.Error(t, err)
	assert.True(t, IsKind(err, ErrKindMalformedRequest))

	v, err := req.QueryParam("q", false)
	require.NoError(t, err)
	assert.Equal(t, "%zz", v)
}

func TestRequestBodyCachedAfterFirstRead(t *testing.T) {
	req := newTestRequest(&Scope{}, []byte(`{"id":42}`))

	b1, err := req.Body()
	require.NoError(t, err)
	assert.Equal(t, `{"id":42}`, string(b1))

	// A second call must not issue another Receive; replacing the
	// receive func with one that errors proves the cache is used.
	req.receive = func(ctx context.Context) (Event, error) {
		t.Fatal("Body should not call receive again once cached")
		return nil, nil
	}

	b2, err := req.Body()
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestRequestJSONDecodesCachedBody(t *testing.T) {
	req := newTestRequest(&Scope{}, []byte(`{"id":"42","method":"GET"}`))

	var v struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	require.NoError(t, req.JSON(&v))
	assert.Equal(t, "42", v.ID)
	assert.Equal(t, "GET", v.Method)
}

func TestRequestJSONMalformedIsBadRequest(t *testing.T) {
	req := newTestRequest(&Scope{}, []byte(`not json`))

	var v interface{}
	err := req.JSON(&v)
	assert.Error(t, err)
	assert.True(t, IsKind(err, ErrKindMalformedRequest))
}

func TestRequestFormURLEncoded(t *testing.T) {
	req := newTestRequest(&Scope{
		Headers: []HeaderPair{{"Content-Type", "application/x-www-form-urlencoded"}},
	}, []byte("name=hello+world&tag=a%20b&tag=c"))

	form, err := req.Form()
	require.NoError(t, err)
	assert.Equal(t, "hello world", form.Get("name"))
	assert.Equal(t, []string{"a b", "c"}, form.All("tag"))
}

func TestRequestIsPredicates(t *testing.T) {
	req := newTestRequest(&Scope{
		Method:  "POST",
		Headers: []HeaderPair{{"Content-Type", "application/json; charset=utf-8"}},
	}, nil)

	assert.True(t, req.IsPost())
	assert.False(t, req.IsGet())
	assert.True(t, req.IsJSON())
	assert.False(t, req.IsForm())
}

func TestRequestAcceptsWildcardAndSpecificity(t *testing.T) {
	req := newTestRequest(&Scope{
		Headers: []HeaderPair{{"Accept", "text/html, application/json;q=0.9, */*;q=0.1"}},
	}, nil)

	assert.True(t, req.Accepts("text/html"))
	assert.True(t, req.Accepts("application/json"))
	assert.True(t, req.Accepts("image/png")) // falls back to */*

	assert.Equal(t, "application/json", req.PreferredType([]string{"application/xml", "application/json"}))
}

func TestRequestPathParams(t *testing.T) {
	req := newTestRequest(&Scope{
		Router: &RouteMatch{Params: map[string]string{"id": "42"}},
	}, nil)

	assert.Equal(t, "42", req.PathParam("id"))
	assert.Equal(t, "", req.PathParam("missing"))
}

func TestRequestCookies(t *testing.T) {
	req := newTestRequest(&Scope{
		Headers: []HeaderPair{{"Cookie", "a=1; b=2"}},
	}, nil)

	v, ok := req.Cookie("b")
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	_, ok = req.Cookie("missing")
	assert.False(t, ok)
}
