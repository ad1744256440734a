package pagi

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ServiceFactory constructs a per-app singleton service. shutdown, if
// non-nil, is registered with App.AddShutdownJob so App.Shutdown runs it;
// shutdown jobs run concurrently, in no fixed order, generalizing teacher's
// `shutdownJobs`/`AddShutdownJob` lifecycle (air.go) to arbitrary
// application services (spec.md §4.J).
type ServiceFactory func(app *App) (service interface{}, shutdown func(), err error)

// RequestServiceFactory constructs a per-request service, cached in the
// request's Stash for the lifetime of the request and optionally cleaned
// up via Response.OnFinish, per spec.md §4.J's per-request scope.
type RequestServiceFactory func(req *Request, res *Response) (service interface{}, cleanup func(), err error)

// Container is the service registry attached to an App: per-app singletons
// are built once (concurrently, independent ones in parallel via
// golang.org/x/sync/errgroup) during App.Start, and per-request factories
// are built lazily on first Container.RequestService(req, res, name) call
// (typically from inside a Handler, via req.app.Services()) and cached in
// the request's Stash.
type Container struct {
	mu sync.Mutex

	appFactories map[string]ServiceFactory
	appServices  map[string]interface{}
	appBuilt     bool

	requestFactories map[string]RequestServiceFactory
}

// NewContainer returns an empty Container.
func NewContainer() *Container {
	return &Container{
		appFactories:     map[string]ServiceFactory{},
		appServices:      map[string]interface{}{},
		requestFactories: map[string]RequestServiceFactory{},
	}
}

// RegisterService declares a per-app singleton factory under name. It must
// be called before App.Start builds the container.
func (c *Container) RegisterService(name string, f ServiceFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appFactories[name] = f
}

// RegisterRequestService declares a per-request factory under name.
func (c *Container) RegisterRequestService(name string, f RequestServiceFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestFactories[name] = f
}

// Start builds every registered per-app singleton concurrently. Once all
// factories have returned, each service's shutdown hook is registered with
// AddShutdownJob; App.Shutdown runs those jobs concurrently, so services
// are not torn down in any particular order (neither registration order
// nor the reverse of start order). If any factory errors, Start returns the
// first error and shutdown hooks are still registered for every service
// that had already finished building.
func (c *Container) Start(app *App) error {
	c.mu.Lock()
	if c.appBuilt {
		c.mu.Unlock()
		return nil
	}
	c.appBuilt = true
	factories := make(map[string]ServiceFactory, len(c.appFactories))
	for k, v := range c.appFactories {
		factories[k] = v
	}
	c.mu.Unlock()

	type built struct {
		name     string
		service  interface{}
		shutdown func()
	}

	results := make(chan built, len(factories))

	g, _ := errgroup.WithContext(context.Background())
	for name, factory := range factories {
		name, factory := name, factory
		g.Go(func() error {
			svc, shutdown, err := factory(app)
			if err != nil {
				return err
			}
			results <- built{name: name, service: svc, shutdown: shutdown}
			return nil
		})
	}

	err := g.Wait()
	close(results)

	c.mu.Lock()
	defer c.mu.Unlock()
	for b := range results {
		c.appServices[b.name] = b.service
		if b.shutdown != nil {
			app.AddShutdownJob(b.shutdown)
		}
	}

	return err
}

// Service returns the per-app singleton registered under name.
func (c *Container) Service(name string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.appServices[name]
	return v, ok
}

// requestStashKeyPrefix namespaces per-request service cache entries in the
// request's Stash so they don't collide with handler-set stash keys.
const requestStashKeyPrefix = "pagi.service."

// RequestService resolves the per-request factory registered under name,
// building it at most once per request and caching the result in the
// request's Stash; cleanup (if any) is deferred via Response.OnFinish.
func (c *Container) RequestService(req *Request, res *Response, name string) (interface{}, error) {
	key := requestStashKeyPrefix + name
	if v, ok := req.Stash().Get(key); ok {
		return v, nil
	}

	c.mu.Lock()
	factory, ok := c.requestFactories[name]
	c.mu.Unlock()
	if !ok {
		return nil, ErrProgramming("no per-request service registered under " + name)
	}

	svc, cleanup, err := factory(req, res)
	if err != nil {
		return nil, err
	}

	req.Stash().Set(key, svc)
	if cleanup != nil {
		res.OnFinish(cleanup)
	}

	return svc, nil
}
