package routemanager

import (
	"net/netip"
	"time"

	"github.com/tun-rs/route-manager/internal/batch"
	"github.com/tun-rs/route-manager/internal/logger"
)

// sysOps is the per-platform implementation behind RouteManager.
type sysOps interface {
	List() ([]Route, error)
	Add(*Route) error
	Delete(*Route) error
	Listener() (eventSource, error)
	Close() error
}

// bestRouteFinder is implemented by platforms with a native best-route
// query. Others fall back to longest-prefix matching over a table dump.
type bestRouteFinder interface {
	FindRoute(netip.Addr) (*Route, error)
}

// Option configures a RouteManager.
type Option func(*RouteManager)

// WithLogger routes the manager's structured log output to log.
func WithLogger(log *logger.Logger) Option {
	return func(m *RouteManager) {
		m.log = log.WithComponent("routemanager")
	}
}

// WithBatchConcurrency bounds the workers used by AddRoutes and
// DeleteRoutes.
func WithBatchConcurrency(n int) Option {
	return func(m *RouteManager) {
		m.batchLimit = n
	}
}

// RouteManager manipulates the kernel routing table. A zero-value manager
// is not usable; construct one with New. Methods are safe for concurrent
// use.
type RouteManager struct {
	ops        sysOps
	log        *logger.Logger
	batchLimit int
}

// New creates a RouteManager bound to this platform's routing interface.
func New(opts ...Option) (*RouteManager, error) {
	ops, err := newSysOps()
	if err != nil {
		return nil, err
	}
	m := &RouteManager{
		ops:        ops,
		log:        logger.Discard(),
		batchLimit: batch.DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// List returns every route in the kernel routing table, both address
// families.
func (m *RouteManager) List() ([]Route, error) {
	routes, err := m.ops.List()
	if err != nil {
		return nil, err
	}
	m.log.Debug("Routing table listed", "routes", len(routes))
	return routes, nil
}

// Add inserts a route. Adding a route that already exists fails.
func (m *RouteManager) Add(route *Route) error {
	return m.mutate("add", route, m.ops.Add)
}

// Delete removes a route matching the destination (and gateway, where the
// platform requires one).
func (m *RouteManager) Delete(route *Route) error {
	return m.mutate("delete", route, m.ops.Delete)
}

func (m *RouteManager) mutate(action string, route *Route, op func(*Route) error) error {
	start := time.Now()
	err := op(route)
	m.log.RouteOperation(action, route.String(), time.Since(start).Milliseconds(), err == nil)
	return err
}

// AddRoutes inserts routes concurrently, skipping duplicates within the
// batch. Every route is attempted; the returned error summarizes any
// failures.
func (m *RouteManager) AddRoutes(routes []Route) error {
	return m.mutateBatch("add", routes, m.ops.Add)
}

// DeleteRoutes removes routes concurrently, skipping duplicates within
// the batch.
func (m *RouteManager) DeleteRoutes(routes []Route) error {
	return m.mutateBatch("delete", routes, m.ops.Delete)
}

func (m *RouteManager) mutateBatch(action string, routes []Route, op func(*Route) error) error {
	unique := dedupeRoutes(routes)
	start := time.Now()
	failed, err := batch.Apply(unique, m.batchLimit, func(r Route) error {
		return op(&r)
	})
	m.log.BatchOperation(action, len(unique), len(unique)-failed, failed, time.Since(start).Milliseconds())
	return err
}

// dedupeRoutes drops routes whose destination and gateway repeat earlier
// entries, preserving order.
func dedupeRoutes(routes []Route) []Route {
	set := batch.NewSet(len(routes))
	unique := make([]Route, 0, len(routes))
	for _, r := range routes {
		if set.Add(routeKey(&r)) {
			unique = append(unique, r)
		}
	}
	return unique
}

// routeKey is the identity used for batch deduplication.
func routeKey(r *Route) []byte {
	key := r.Destination.AsSlice()
	key = append(key, r.Prefix)
	key = append(key, r.Gateway.AsSlice()...)
	return key
}

// FindRoute returns the route the kernel would use for dest, or nil when
// the table has no match. Platforms without a native query sort a table
// dump by prefix length (longest first, ties to the lower metric) and
// return the first route containing dest.
func (m *RouteManager) FindRoute(dest netip.Addr) (*Route, error) {
	dest = dest.Unmap()
	if finder, ok := m.ops.(bestRouteFinder); ok {
		return finder.FindRoute(dest)
	}
	routes, err := m.ops.List()
	if err != nil {
		return nil, err
	}
	return findRoute(routes, dest), nil
}

// DefaultRoute returns the preferred default route of dest's family: the
// zero-prefix route with the lowest metric. Returns nil when the table
// has none. Pass netip.IPv4Unspecified or netip.IPv6Unspecified to pick
// the family.
func (m *RouteManager) DefaultRoute(family netip.Addr) (*Route, error) {
	routes, err := m.ops.List()
	if err != nil {
		return nil, err
	}
	var best *Route
	for i := range routes {
		r := &routes[i]
		if r.Prefix != 0 || r.Destination.Is4() != family.Is4() {
			continue
		}
		if best == nil || r.compare(best) > 0 {
			best = r
		}
	}
	return best, nil
}

// Listener subscribes to routing-table change events.
func (m *RouteManager) Listener() (*RouteListener, error) {
	src, err := m.ops.Listener()
	if err != nil {
		return nil, err
	}
	m.log.MonitorStart()
	return newRouteListener(src), nil
}

// Close releases any resources held by the manager. Listeners are
// independent and must be closed separately.
func (m *RouteManager) Close() error {
	return m.ops.Close()
}
