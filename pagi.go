package pagi

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/aofei/pagi/view"
)

// App is the top-level struct of this framework, generalizing teacher's
// `Air` struct (air.go) from a direct net/http handler into the gateway
// protocol's Application contract: route registration, middleware, and the
// reference net/http server adapter all still live here, exactly where the
// teacher puts them.
//
// It is highly recommended not to modify any field of the App after calling
// App.Serve, for the same reason air.go gives: doing so causes unpredictable
// behavior once goroutines are reading it concurrently.
type App struct {
	// AppName names the application, used in the debug-mode startup
	// message. Default value: "pagi".
	AppName string `mapstructure:"app_name"`

	// DebugMode makes the default ErrorHandler echo the triggering
	// error's message instead of a generic status text.
	DebugMode bool `mapstructure:"debug_mode"`

	// Address is the TCP address the reference server listens on.
	// Default value: "localhost:8080".
	Address string `mapstructure:"address"`

	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes"`

	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`

	// WebSocketHandshakeTimeout bounds how long the reference server's
	// gorilla/websocket upgrader waits for a handshake.
	WebSocketHandshakeTimeout time.Duration `mapstructure:"websocket_handshake_timeout"`
	// WebSocketSubprotocols is offered to clients during the upgrade;
	// the first one the client also offers is selected.
	WebSocketSubprotocols []string `mapstructure:"websocket_subprotocols"`
	// WebSocketReadBufferSize/WriteBufferSize size the gorilla upgrader's
	// buffers.
	WebSocketReadBufferSize  int `mapstructure:"websocket_read_buffer_size"`
	WebSocketWriteBufferSize int `mapstructure:"websocket_write_buffer_size"`

	// UploadLimits bounds multipart/form-data parsing (spec.md §4.D).
	UploadLimits MultipartLimits `mapstructure:"-"`

	// ConfigFile, if set, is parsed by Serve before the server starts;
	// its extension selects the JSON/TOML/YAML decoder, exactly like
	// teacher's `Air.ConfigFile`.
	ConfigFile string `mapstructure:"-"`

	// Pregases run before routing; Gases run around the routed handler.
	// Both chains are FILO, matching teacher's Pregases/Gases.
	Pregases []Gas `mapstructure:"-"`
	Gases    []Gas `mapstructure:"-"`

	// NotFoundHandler, MethodNotAllowedHandler and ErrorHandler are never
	// nil; New populates them with the Default* functions below.
	NotFoundHandler         Handler                          `mapstructure:"-"`
	MethodNotAllowedHandler Handler                          `mapstructure:"-"`
	ErrorHandler            func(error, *Request, *Response) `mapstructure:"-"`

	// ErrorLogger receives internal error log lines; nil means the
	// standard library's default logger, exactly like teacher's
	// `Air.ErrorLogger`.
	ErrorLogger *log.Logger `mapstructure:"-"`

	router    *router
	mounts    []mountPoint
	bus       *Bus
	container *Container
	view      *view.View

	server *http.Server

	addressMap       map[string]int
	shutdownJobs     []func()
	shutdownJobMutex sync.Mutex
	shutdownJobDone  chan struct{}
}

// Default is the default instance of App, mirroring teacher's `Default`.
var Default = New()

// New returns a new App with default field values, the only function that
// creates new App instances and keeps everything wired up — teacher's own
// convention for `New`/`Default`.
func New() *App {
	a := &App{
		AppName:                 "pagi",
		Address:                 "localhost:8080",
		MaxHeaderBytes:          1 << 20,
		NotFoundHandler:         DefaultNotFoundHandler,
		MethodNotAllowedHandler: DefaultMethodNotAllowedHandler,
		ErrorHandler:            DefaultErrorHandler,
		UploadLimits:            DefaultMultipartLimits,
		WebSocketReadBufferSize: 4096,
		WebSocketWriteBufferSize: 4096,
	}

	a.router = newRouter(a)
	a.bus = NewBus()
	a.container = NewContainer()
	a.server = &http.Server{}
	a.addressMap = map[string]int{}
	a.shutdownJobDone = make(chan struct{})

	return a
}

// Bus returns the App's own message bus instance (spec.md §4.B). Each App
// gets its own Bus rather than sharing the package-level Instance().
func (a *App) Bus() *Bus { return a.bus }

// Services returns the App's service container (spec.md §4.J).
func (a *App) Services() *Container { return a.container }

// Service returns the per-app singleton registered under name, matching
// the spec's `app.service(name)` surface (spec.md §6).
func (a *App) Service(name string) (interface{}, bool) { return a.container.Service(name) }

// Views installs and returns the App's view engine rooted at dir
// (spec.md §4.K), matching teacher's Air.Config.TemplateRoot/ParseTemplates
// pairing except the View is constructed eagerly so handlers registered
// afterwards can call Response.Render immediately.
func (a *App) Views(dir string) *view.View {
	a.view = view.New(dir)
	return a.view
}

// View returns the App's view engine, or nil if Views was never called.
func (a *App) View() *view.View { return a.view }

func (a *App) multipartLimits() MultipartLimits { return a.UploadLimits }

// route is the shared registration path used by App's and Group's HTTP verb
// methods.
func (a *App) route(method, path, name string, h Handler) {
	a.router.register(method, path, name, h)
}

// GET registers a GET route, matching teacher's `Air.GET`.
func (a *App) GET(path string, h Handler, gases ...Gas) { a.route("GET", path, "", chain(h, gases)) }

// HEAD registers a HEAD route.
func (a *App) HEAD(path string, h Handler, gases ...Gas) { a.route("HEAD", path, "", chain(h, gases)) }

// POST registers a POST route.
func (a *App) POST(path string, h Handler, gases ...Gas) { a.route("POST", path, "", chain(h, gases)) }

// PUT registers a PUT route.
func (a *App) PUT(path string, h Handler, gases ...Gas) { a.route("PUT", path, "", chain(h, gases)) }

// PATCH registers a PATCH route.
func (a *App) PATCH(path string, h Handler, gases ...Gas) {
	a.route("PATCH", path, "", chain(h, gases))
}

// DELETE registers a DELETE route.
func (a *App) DELETE(path string, h Handler, gases ...Gas) {
	a.route("DELETE", path, "", chain(h, gases))
}

// Named registers a named route for url_for generation (spec.md §4.G).
func (a *App) Named(name, method, path string, h Handler, gases ...Gas) {
	a.route(method, path, name, chain(h, gases))
}

// WS registers a WebSocket route: the handler receives a Request whose
// WebSocket() accessor returns the connection's WebSocketConn.
func (a *App) WS(path string, h Handler, gases ...Gas) { a.route("WS", path, "", chain(h, gases)) }

// SSE registers a Server-Sent-Events route: the handler receives a Request
// whose SSE() accessor returns the connection's SSEConn.
func (a *App) SSE(path string, h Handler, gases ...Gas) { a.route("SSE", path, "", chain(h, gases)) }

// URLFor builds a path for the named route (spec.md §4.G).
func (a *App) URLFor(name string, params map[string]string) (string, error) {
	return a.router.URLFor(name, params)
}

// AddShutdownJob adds f as a shutdown job run exactly once when Shutdown is
// called, returning an ID usable with RemoveShutdownJob — identical in
// behavior to teacher's `Air.AddShutdownJob`.
func (a *App) AddShutdownJob(f func()) int {
	a.shutdownJobMutex.Lock()
	defer a.shutdownJobMutex.Unlock()
	a.shutdownJobs = append(a.shutdownJobs, f)
	return len(a.shutdownJobs) - 1
}

// RemoveShutdownJob removes the shutdown job targeted by id.
func (a *App) RemoveShutdownJob(id int) {
	a.shutdownJobMutex.Lock()
	defer a.shutdownJobMutex.Unlock()
	if id >= 0 && id < len(a.shutdownJobs) {
		a.shutdownJobs[id] = nil
	}
}

// Addresses returns every TCP address the reference server actually
// listens on.
func (a *App) Addresses() []string {
	addrs := make([]string, 0, len(a.addressMap))
	for addr := range a.addressMap {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Start runs the lifespan startup sequence (spec.md §4.A's lifespan scope):
// it builds every registered per-app service via the Container, in the same
// spirit as an ASGI lifespan.startup event.
func (a *App) Start() error {
	return a.container.Start(a)
}

// Serve starts the reference HTTP(S) server, bridging net/http to the
// gateway protocol, following teacher's `Air.Serve` for config loading,
// TLS, and HTTP/2 h2c upgrade.
func (a *App) Serve() error {
	if a.ConfigFile != "" {
		if err := loadConfigFile(a.ConfigFile, a); err != nil {
			return err
		}
	}

	if err := a.Start(); err != nil {
		return err
	}

	host, port, err := net.SplitHostPort(a.Address)
	if err != nil {
		return err
	}

	a.server.Addr = net.JoinHostPort(host, port)
	a.server.Handler = a
	a.server.ReadTimeout = a.ReadTimeout
	a.server.ReadHeaderTimeout = a.ReadHeaderTimeout
	a.server.WriteTimeout = a.WriteTimeout
	a.server.IdleTimeout = a.IdleTimeout
	a.server.MaxHeaderBytes = a.MaxHeaderBytes
	a.server.ErrorLog = a.ErrorLogger

	var tlsConfig *tls.Config
	if a.TLSCertFile != "" && a.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(a.TLSCertFile, a.TLSKeyFile)
		if err != nil {
			return err
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		for _, proto := range []string{"h2", "http/1.1"} {
			if !stringSliceContains(tlsConfig.NextProtos, proto) {
				tlsConfig.NextProtos = append(tlsConfig.NextProtos, proto)
			}
		}
	}

	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	a.addressMap[ln.Addr().String()] = 0
	defer delete(a.addressMap, ln.Addr().String())

	netListener := net.Listener(ln)
	if tlsConfig != nil {
		netListener = tls.NewListener(netListener, tlsConfig)
	} else {
		h2s := &http2.Server{IdleTimeout: a.IdleTimeout}
		a.server.Handler = h2c.NewHandler(a.server.Handler, h2s)
	}

	shutdownJobRunOnce := sync.Once{}
	a.server.RegisterOnShutdown(func() {
		a.shutdownJobMutex.Lock()
		defer a.shutdownJobMutex.Unlock()
		shutdownJobRunOnce.Do(func() {
			wg := sync.WaitGroup{}
			for _, job := range a.shutdownJobs {
				if job != nil {
					wg.Add(1)
					go func(job func()) {
						defer wg.Done()
						job()
					}(job)
				}
			}
			wg.Wait()
			close(a.shutdownJobDone)
		})
	})

	if a.DebugMode {
		fmt.Printf("pagi: %s serving in debug mode on %s\n", a.AppName, a.server.Addr)
	}

	return a.server.Serve(netListener)
}

// Close closes the reference server immediately.
func (a *App) Close() error { return a.server.Close() }

// Shutdown gracefully shuts down the reference server, running every
// shutdown job concurrently, exactly like teacher's `Air.Shutdown`.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.shutdownJobDone:
	}
	return err
}

func stringSliceContains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// logErrorf logs v as an error, matching teacher's `Air.logErrorf`.
func (a *App) logErrorf(format string, v ...interface{}) {
	e := fmt.Errorf(format, v...)
	if a.ErrorLogger != nil {
		a.ErrorLogger.Output(2, e.Error())
		return
	}
	log.Output(2, e.Error())
}

// DefaultNotFoundHandler returns a 404, matching teacher's
// `DefaultNotFoundHandler`.
func DefaultNotFoundHandler(req *Request, res *Response) error {
	res.Status = http.StatusNotFound
	return ErrNotFound(http.StatusText(res.Status))
}

// DefaultMethodNotAllowedHandler returns a 405, matching teacher's
// `DefaultMethodNotAllowedHandler`.
func DefaultMethodNotAllowedHandler(req *Request, res *Response) error {
	res.Status = http.StatusMethodNotAllowed
	return ErrMethodNotAllowed(http.StatusText(res.Status))
}

// DefaultErrorHandler is the centralized error handler, matching teacher's
// `DefaultErrorHandler`.
func DefaultErrorHandler(err error, req *Request, res *Response) {
	if res.Written {
		return
	}

	if !req.app.DebugMode && res.Status == http.StatusInternalServerError {
		_, _ = res.WriteString(http.StatusText(res.Status))
		return
	}
	_, _ = res.WriteString(err.Error())
}

// httpRequestAdapter synthesizes a *http.Request from a gateway Request, so
// that ordinary net/http handlers and middleware can run unmodified against
// it, generalizing teacher's `WrapHTTPHandler`/`WrapHTTPMiddleware` (air.go)
// from a direct net/http pass-through into a Scope-backed bridge.
func httpRequestAdapter(req *Request) (*http.Request, error) {
	body, err := req.Body()
	if err != nil {
		return nil, err
	}

	u := &url.URL{Path: req.Scope.Path, RawQuery: string(req.Scope.QueryString)}
	hr, err := http.NewRequestWithContext(req.ctx, req.Scope.Method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for _, h := range req.Scope.Headers {
		hr.Header.Add(h[0], h[1])
	}
	hr.ContentLength = int64(len(body))
	return hr, nil
}

// responseWriterAdapter implements http.ResponseWriter over a gateway
// Response, the other half of the WrapHTTPHandler/WrapHTTPMiddleware bridge.
type responseWriterAdapter struct {
	res         *Response
	header      http.Header
	wroteHeader bool
}

func newResponseWriterAdapter(res *Response) *responseWriterAdapter {
	return &responseWriterAdapter{res: res, header: http.Header{}}
}

func (w *responseWriterAdapter) Header() http.Header { return w.header }

func (w *responseWriterAdapter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.res.Status = status
	for k, vs := range w.header {
		for _, v := range vs {
			w.res.Header.Append(k, v)
		}
	}
}

func (w *responseWriterAdapter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.res.Write(p)
}

// WrapHTTPHandler wraps an http.Handler into a Handler.
func WrapHTTPHandler(hh http.Handler) Handler {
	return func(req *Request, res *Response) error {
		hr, err := httpRequestAdapter(req)
		if err != nil {
			return err
		}
		hh.ServeHTTP(newResponseWriterAdapter(res), hr)
		return nil
	}
}

// WrapHTTPMiddleware wraps a standard `func(http.Handler) http.Handler`
// middleware into a Gas.
func WrapHTTPMiddleware(hm func(http.Handler) http.Handler) Gas {
	return func(next Handler) Handler {
		return func(req *Request, res *Response) error {
			hr, err := httpRequestAdapter(req)
			if err != nil {
				return err
			}

			var innerErr error
			hm(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
				innerErr = next(req, res)
			})).ServeHTTP(newResponseWriterAdapter(res), hr)
			return innerErr
		}
	}
}

// serveScope is the core dispatcher: it resolves a mount or a route,
// builds the Request/Response pair, runs the Pregas/Gas chains around the
// matched handler, and lets the ErrorHandler translate any returned error
// into a response — generalizing teacher's `Air.ServeHTTP` body to the
// gateway's Scope/Receive/Send primitives instead of a bare
// http.ResponseWriter/*http.Request pair.
func (a *App) serveScope(ctx context.Context, scope *Scope, receive Receive, send Send) error {
	if mp, rest := a.matchMount(scope.Path); mp != nil {
		mounted := *scope
		mounted.Path = rest
		return dispatchMounted(ctx, mp, scope.RootPath, &mounted, receive, send)
	}

	if scope.Stash == nil {
		scope.Stash = NewStash()
	}

	m := a.router.match(routingMethod(scope), scope.Path)
	scope.Router = &RouteMatch{Route: m.route, Params: m.params}

	req := newRequest(ctx, a, scope, receive)
	res := newResponse(ctx, a, req, send)

	switch scope.Type {
	case ScopeWebSocket:
		req.ws = newWebSocketConn(ctx, scope, receive, send, a.bus)
	case ScopeSSE:
		req.sse = newSSEConn(ctx, scope, receive, send, a.bus)
	}

	var h Handler
	switch {
	case m.handler != nil:
		h = m.handler
	case len(m.allow) > 0:
		res.Header.Set("Allow", strings.Join(m.allow, ", "))
		h = a.MethodNotAllowedHandler
	default:
		h = a.NotFoundHandler
	}

	wrapped := chain(h, a.Gases)
	wrapped = chain(wrapped, a.Pregases)

	err := wrapped(req, res)

	// A programming error (double response.start, write after close, an
	// unknown event name, ...) is fatal and, per spec.md §7, must never be
	// translated into a 500: it is logged and the connection is left to be
	// aborted rather than answered.
	programmingErr := false
	if err != nil {
		if pe, ok := err.(*Error); ok && pe.Kind == ErrKindProgramming {
			programmingErr = true
			a.logErrorf("pagi: programming error: %v", err)
		} else {
			if !res.Written {
				if pe, ok := err.(*Error); ok && pe.Status != 0 {
					res.Status = pe.Status
				} else if res.Status < http.StatusBadRequest {
					res.Status = http.StatusInternalServerError
				}
			}
			a.ErrorHandler(err, req, res)
		}
	}

	switch scope.Type {
	case ScopeHTTP:
		if !programmingErr {
			if ferr := res.finishBuffered(); ferr != nil {
				a.logErrorf("pagi: failed to finish response: %v", ferr)
			}
		}
	case ScopeWebSocket:
		// spec.md §4.E point 1: the handler body runs once, to register
		// On(...) listeners and optionally call accept; once it returns,
		// the server itself becomes the driver loop that dispatches
		// websocket.receive events to those listeners until the peer
		// disconnects or a callback calls Close.
		if !programmingErr && err == nil && req.ws.State() == wsOpen {
			if lerr := req.ws.Listen(); lerr != nil && !IsKind(lerr, ErrKindProgramming) {
				a.logErrorf("pagi: websocket listen error: %v", lerr)
			}
		}
		// spec.md §4.E point 2: "if the handler returns without calling
		// accept, the server MUST close with code 1006"; any connection
		// Listen didn't already drive to closed still needs its close
		// frame sent and its rooms released.
		if req.ws.State() == wsInit {
			_ = req.ws.Reject(1006, "")
		} else if req.ws.State() != wsClosed {
			_ = req.ws.Close(1000, "")
		}
	case ScopeSSE:
		req.sse.Close()
	}

	req.cleanupUploads()
	res.runDeferred()

	return err
}

// routingMethod returns the pseudo-method key the router was registered
// under for scope's type: the real HTTP method for HTTP scopes, or the
// fixed "WS"/"SSE" keys App.WS/App.SSE register under.
func routingMethod(scope *Scope) string {
	switch scope.Type {
	case ScopeWebSocket:
		return "WS"
	case ScopeSSE:
		return "SSE"
	default:
		return scope.Method
	}
}

// ServeHTTP implements http.Handler, the reference bridge between a real
// net/http connection and the gateway protocol — generalizing teacher's
// `Air.ServeHTTP`, which used to talk to `*Request`/`*Response` directly,
// into first assembling a Scope and a Receive/Send pair.
func (a *App) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	scope := a.buildScope(r)

	if isWebSocketUpgrade(r) {
		if m := a.router.match("WS", r.URL.Path); m.handler != nil {
			a.serveWebSocket(scope, rw, r)
			return
		}
	}
	if m := a.router.match("SSE", r.URL.Path); m.handler != nil {
		a.serveSSE(scope, rw, r)
		return
	}

	a.serveHTTP(scope, rw, r)
}

func (a *App) buildScope(r *http.Request) *Scope {
	headers := make([]HeaderPair, 0, len(r.Header))
	for name, values := range r.Header {
		for _, v := range values {
			headers = append(headers, HeaderPair{name, v})
		}
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return &Scope{
		Type:        ScopeHTTP,
		Method:      r.Method,
		Path:        r.URL.Path,
		RawPath:     []byte(r.URL.EscapedPath()),
		QueryString: []byte(r.URL.RawQuery),
		Scheme:      scheme,
		HTTPVersion: r.Proto,
		Headers:     headers,
		Client:      [2]string{host, ""},
		Server:      [2]string{r.Host, ""},
	}
}

func (a *App) serveHTTP(scope *Scope, rw http.ResponseWriter, r *http.Request) {
	body := bufio.NewReaderSize(r.Body, 32<<10)

	receive := func(ctx context.Context) (Event, error) {
		buf := make([]byte, 32<<10)
		n, err := body.Read(buf)
		if n > 0 {
			more := err == nil
			return HTTPRequestEvent{Body: buf[:n], More: more}, nil
		}
		if err != nil {
			return HTTPRequestEvent{More: false}, nil
		}
		return HTTPRequestEvent{More: false}, nil
	}

	started := false
	send := func(ctx context.Context, ev Event) error {
		switch e := ev.(type) {
		case HTTPResponseStartEvent:
			for _, h := range e.Headers {
				rw.Header().Add(h[0], h[1])
			}
			rw.WriteHeader(e.Status)
			started = true
			return nil
		case HTTPResponseBodyEvent:
			if !started {
				rw.WriteHeader(http.StatusOK)
				started = true
			}
			if len(e.Body) > 0 {
				if _, err := rw.Write(e.Body); err != nil {
					return err
				}
			}
			return nil
		default:
			return ErrProgramming("unexpected event sent on an HTTP scope: " + ev.EventName())
		}
	}

	if err := a.serveScope(r.Context(), scope, receive, send); err != nil {
		a.logErrorf("pagi: unhandled error: %v", err)
	}
}

var upgrader = func(a *App) websocket.Upgrader {
	return websocket.Upgrader{
		HandshakeTimeout: a.WebSocketHandshakeTimeout,
		ReadBufferSize:   a.WebSocketReadBufferSize,
		WriteBufferSize:  a.WebSocketWriteBufferSize,
		Subprotocols:     a.WebSocketSubprotocols,
		CheckOrigin:      func(r *http.Request) bool { return true },
	}
}

func (a *App) serveWebSocket(scope *Scope, rw http.ResponseWriter, r *http.Request) {
	scope.Type = ScopeWebSocket

	u := upgrader(a)
	conn, err := u.Upgrade(rw, r, nil)
	if err != nil {
		a.logErrorf("pagi: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	connectDelivered := false
	receive := func(ctx context.Context) (Event, error) {
		if !connectDelivered {
			connectDelivered = true
			return WebSocketConnectEvent{}, nil
		}

		mt, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := wsCloseCodeFromGorilla(err)
			_ = reason
			return WebSocketDisconnectEvent{Code: code}, nil
		}
		if mt == websocket.TextMessage {
			return WebSocketReceiveEvent{Text: string(data), IsText: true}, nil
		}
		return WebSocketReceiveEvent{Bytes: data}, nil
	}

	send := func(ctx context.Context, ev Event) error {
		switch e := ev.(type) {
		case WebSocketAcceptEvent:
			return nil // the gorilla upgrade already completed the handshake
		case WebSocketSendEvent:
			if e.IsText {
				return conn.WriteMessage(websocket.TextMessage, []byte(e.Text))
			}
			return conn.WriteMessage(websocket.BinaryMessage, e.Bytes)
		case WebSocketCloseEvent:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(e.Code, e.Reason))
			return nil
		default:
			return ErrProgramming("unexpected event sent on a WebSocket scope: " + ev.EventName())
		}
	}

	if err := a.serveScope(r.Context(), scope, receive, send); err != nil {
		a.logErrorf("pagi: unhandled websocket error: %v", err)
	}
}

func (a *App) serveSSE(scope *Scope, rw http.ResponseWriter, r *http.Request) {
	scope.Type = ScopeSSE

	flusher, _ := rw.(http.Flusher)
	started := false

	receive := func(ctx context.Context) (Event, error) {
		<-r.Context().Done()
		return SSEDisconnectEvent{}, nil
	}

	send := func(ctx context.Context, ev Event) error {
		switch e := ev.(type) {
		case SSEStartEvent:
			for _, h := range e.Headers {
				rw.Header().Add(h[0], h[1])
			}
			if rw.Header().Get("Content-Type") == "" {
				rw.Header().Set("Content-Type", "text/event-stream")
			}
			rw.Header().Set("Cache-Control", "no-cache")
			rw.Header().Set("Connection", "keep-alive")
			status := e.Status
			if status == 0 {
				status = http.StatusOK
			}
			rw.WriteHeader(status)
			started = true
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		case SSESendEvent:
			if !started {
				return ErrProgramming("SSESendEvent sent before SSEStartEvent")
			}
			if _, err := rw.Write(FormatSSEFrame(e.Data, e.Event, e.ID, e.Retry)); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		default:
			return ErrProgramming("unexpected event sent on an SSE scope: " + ev.EventName())
		}
	}

	if err := a.serveScope(r.Context(), scope, receive, send); err != nil {
		a.logErrorf("pagi: unhandled sse error: %v", err)
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	conn := strings.ToLower(r.Header.Get("Connection"))
	return strings.Contains(conn, "upgrade") && strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// toGateway adapts the App into the bare Application contract, useful for
// embedding one App's dispatch inside another transport (e.g. a test harness
// driving Scope/Receive/Send directly, bypassing net/http entirely).
func (a *App) toGateway() Application {
	return func(ctx context.Context, scope *Scope, receive Receive, send Send) error {
		return a.serveScope(ctx, scope, receive, send)
	}
}
