package guestserver

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/supermanc88/virtio-serial-rpc/internal/protocol"
)

// HandlerFunc handles one decoded request and returns the envelope data to
// report on success, or an *protocol.RPCError on failure.
type HandlerFunc func(*RequestContext) (any, *protocol.RPCError)

// defaultRouteTimeout is the default_timeout_seconds a route entry gets
// when RouteOptions doesn't set one.
const defaultRouteTimeout = 30 * time.Second

// RouteOptions carries the per-entry tuple fields spec.md's route table
// specifies beyond the handler itself: a body-size cap read before the
// body is even allocated, a default deadline the request's own timeout
// is clamped against, and whether the route requires authentication.
// Zero values fall back to DefaultMaxBodyBytes / defaultRouteTimeout /
// no auth required.
type RouteOptions struct {
	MaxBodyBytes   int
	DefaultTimeout time.Duration
	AuthRequired   bool
}

type routeEntry struct {
	handler        HandlerFunc
	maxBodyBytes   int
	defaultTimeout time.Duration
	authRequired   bool
}

type routeKey struct {
	method string
	path   string
}

// Router dispatches by exact method+path match. Paths are matched
// literally — no template or parameter segments — so "/api/v1/file/info"
// and "/api/v1/file/info/" are distinct routes and must both be
// registered if both are to be accepted.
type Router struct {
	mu      sync.RWMutex
	routes  map[routeKey]routeEntry
	started bool
}

// NewRouter builds an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[routeKey]routeEntry)}
}

// Handle registers a handler for method+path with the default route
// options (DefaultMaxBodyBytes, defaultRouteTimeout, no auth). Panics if
// called after the server has started serving requests — the route
// table is immutable once live, same as the handler map on the reference
// server. Registering the same method+path twice is a startup fatal, not
// a silent overwrite.
func (r *Router) Handle(method, path string, fn HandlerFunc) {
	r.HandleRoute(method, path, fn, RouteOptions{})
}

// HandleRoute registers a handler with an explicit RouteOptions tuple.
func (r *Router) HandleRoute(method, path string, fn HandlerFunc, opts RouteOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		panic("guestserver: Handle called after router started")
	}
	key := routeKey{method: method, path: path}
	if _, exists := r.routes[key]; exists {
		panic(fmt.Sprintf("guestserver: duplicate route registration: %s %s", method, path))
	}

	maxBodyBytes := opts.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = protocol.DefaultMaxBodyBytes
	}
	defaultTimeout := opts.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = defaultRouteTimeout
	}

	r.routes[key] = routeEntry{
		handler:        fn,
		maxBodyBytes:   maxBodyBytes,
		defaultTimeout: defaultTimeout,
		authRequired:   opts.AuthRequired,
	}
}

// start freezes the route table against further registration.
func (r *Router) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
}

// lookup splits path on '?' before matching, so query strings never
// affect routing.
func (r *Router) lookup(method, path string) (HandlerFunc, bool) {
	entry, ok := r.lookupEntry(method, path)
	if !ok {
		return nil, false
	}
	return entry.handler, true
}

func (r *Router) lookupEntry(method, path string) (routeEntry, bool) {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.routes[routeKey{method: method, path: path}]
	return entry, ok
}
