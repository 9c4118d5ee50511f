package routemanager

import (
	"net/netip"
	"sort"
)

// sortRoutes orders routes most-preferred-first: longest prefix first,
// and lowest metric first within a prefix length.
func sortRoutes(routes []Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].compare(&routes[j]) > 0
	})
}

// findRoute picks the best match for dest out of routes: the first
// family-matching route containing dest after sorting. The slice is
// reordered in place. Returns nil when no route matches.
func findRoute(routes []Route, dest netip.Addr) *Route {
	sortRoutes(routes)
	for i := range routes {
		if routes[i].Contains(dest) {
			return &routes[i]
		}
	}
	return nil
}
