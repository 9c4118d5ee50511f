package routemanager

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tun-rs/route-manager/internal/logger"
)

// fakeOps records operations for manager tests.
type fakeOps struct {
	mu      sync.Mutex
	table   []Route
	added   []Route
	deleted []Route
	addErr  error
}

func (f *fakeOps) List() ([]Route, error) {
	return append([]Route(nil), f.table...), nil
}

func (f *fakeOps) Add(r *Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, *r)
	return nil
}

func (f *fakeOps) Delete(r *Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *r)
	return nil
}

func (f *fakeOps) Listener() (eventSource, error) {
	return newFakeSource(), nil
}

func (f *fakeOps) Close() error { return nil }

func newTestManager(ops sysOps) *RouteManager {
	return &RouteManager{ops: ops, log: logger.Discard(), batchLimit: 4}
}

func TestManagerFindRouteFallback(t *testing.T) {
	ops := &fakeOps{table: []Route{
		mustRoute("0.0.0.0", 0, 0),
		mustRoute("10.1.0.0", 16, 0),
	}}
	m := newTestManager(ops)

	best, err := m.FindRoute(netip.MustParseAddr("10.1.2.3"))
	require.NoError(t, err)
	require.NotNil(t, best)
	require.Equal(t, "10.1.0.0", best.Destination.String())

	best, err = m.FindRoute(netip.MustParseAddr("8.8.8.8"))
	require.NoError(t, err)
	require.NotNil(t, best)
	require.Equal(t, uint8(0), best.Prefix)
}

// nativeFinderOps also implements the direct best-route query.
type nativeFinderOps struct {
	fakeOps
	found Route
}

func (n *nativeFinderOps) FindRoute(netip.Addr) (*Route, error) {
	r := n.found
	return &r, nil
}

func TestManagerFindRoutePrefersNativeQuery(t *testing.T) {
	ops := &nativeFinderOps{found: mustRoute("172.16.0.0", 12, 0)}
	// The dump would answer differently; the native query must win.
	ops.table = []Route{mustRoute("0.0.0.0", 0, 0)}
	m := newTestManager(ops)

	best, err := m.FindRoute(netip.MustParseAddr("172.16.1.1"))
	require.NoError(t, err)
	require.Equal(t, "172.16.0.0", best.Destination.String())
}

func TestManagerBatchDeduplicates(t *testing.T) {
	ops := &fakeOps{}
	m := newTestManager(ops)

	routes := []Route{
		mustRoute("10.0.0.0", 8, 0),
		mustRoute("10.0.0.0", 8, 0), // duplicate
		mustRoute("10.1.0.0", 16, 0),
		mustRoute("10.0.0.0", 16, 0), // same address, different prefix
		mustRoute("10.1.0.0", 16, 0).WithGateway(netip.MustParseAddr("192.168.1.1")),
	}
	require.NoError(t, m.AddRoutes(routes))
	require.Len(t, ops.added, 4)
}

func TestManagerBatchSurfacesFailures(t *testing.T) {
	ops := &fakeOps{addErr: errTest}
	m := newTestManager(ops)

	err := m.AddRoutes([]Route{mustRoute("10.0.0.0", 8, 0)})
	require.Error(t, err)
	require.ErrorIs(t, err, errTest)
}

func TestManagerDefaultRoute(t *testing.T) {
	ops := &fakeOps{table: []Route{
		mustRoute("10.0.0.0", 8, 0),
		mustRoute("0.0.0.0", 0, 100),
		mustRoute("0.0.0.0", 0, 10),
		mustRoute("::", 0, 20),
	}}
	m := newTestManager(ops)

	best, err := m.DefaultRoute(netip.IPv4Unspecified())
	require.NoError(t, err)
	require.NotNil(t, best)
	require.Equal(t, uint32(10), best.Metric)

	best6, err := m.DefaultRoute(netip.IPv6Unspecified())
	require.NoError(t, err)
	require.NotNil(t, best6)
	require.True(t, best6.Destination.Is6())

	ops.table = ops.table[:1]
	none, err := m.DefaultRoute(netip.IPv4Unspecified())
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestDedupeRoutesPreservesOrder(t *testing.T) {
	routes := []Route{
		mustRoute("10.2.0.0", 16, 0),
		mustRoute("10.1.0.0", 16, 0),
		mustRoute("10.2.0.0", 16, 0),
	}
	unique := dedupeRoutes(routes)
	require.Len(t, unique, 2)
	require.Equal(t, "10.2.0.0", unique[0].Destination.String())
	require.Equal(t, "10.1.0.0", unique[1].Destination.String())
}
