// Package routemanager reads and manipulates the kernel routing table on
// Linux, the BSDs (macOS, FreeBSD, OpenBSD) and Windows through each
// system's native interface: rtnetlink, the PF_ROUTE routing socket plus
// the NET_RT_DUMP sysctl, and the IP Helper forward table.
//
// The entry point is RouteManager, created with New. It lists, adds and
// deletes routes, resolves the best route for a destination address, and
// hands out RouteListener values that stream live routing-table changes.
package routemanager
