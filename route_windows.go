//go:build windows

package routemanager

import (
	"fmt"
	"net/netip"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wireguard/windows/tunnel/winipcfg"
)

var (
	modiphlpapi       = windows.NewLazySystemDLL("iphlpapi.dll")
	procGetBestRoute2 = modiphlpapi.NewProc("GetBestRoute2")
)

// eventBacklog bounds events buffered between the OS notification thread
// and the consumer. Overflow drops the oldest-pending behavior in favor
// of dropping the new event; the kernel table remains the source of
// truth.
const eventBacklog = 128

type winOps struct{}

func newSysOps() (sysOps, error) {
	return winOps{}, nil
}

func (winOps) Close() error { return nil }

func (winOps) List() ([]Route, error) {
	rows, err := winipcfg.GetIPForwardTable2(winipcfg.AddressFamily(windows.AF_UNSPEC))
	if err != nil {
		return nil, opError("list", KindSystemCall, fmt.Errorf("GetIPForwardTable2: %w", err))
	}
	routes := make([]Route, 0, len(rows))
	for i := range rows {
		routes = append(routes, routeFromRow(&rows[i]))
	}
	return routes, nil
}

func routeFromRow(row *winipcfg.MibIPforwardRow2) Route {
	prefix := row.DestinationPrefix.Prefix()
	r := Route{
		Destination: prefix.Addr(),
		Prefix:      uint8(prefix.Bits()),
		IfIndex:     row.InterfaceIndex,
		Metric:      row.Metric,
		LUID:        uint64(row.InterfaceLUID),
	}
	if nh := row.NextHop.Addr(); nh.IsValid() && !nh.IsUnspecified() {
		r.Gateway = nh
	}
	if name, err := sysIfIndexToName(row.InterfaceIndex); err == nil {
		r.IfName = name
	}
	return r
}

func (winOps) Add(r *Route) error {
	if err := r.Validate(); err != nil {
		return opError("add", KindValidation, err)
	}
	luid, err := routeLUID(r)
	if err != nil {
		return opError("add", KindValidation, err)
	}
	row, err := forwardRow(r, luid)
	if err != nil {
		return opError("add", KindValidation, err)
	}
	row.Metric = r.Metric

	if err := row.Create(); err != nil {
		return opError("add", KindSystemCall, err)
	}
	return nil
}

// Delete removes the single row keyed by interface, destination prefix
// and next hop, mirroring what Add created. A route naming no interface
// falls back to scanning the table for the first row matching the
// destination prefix and gateway.
func (winOps) Delete(r *Route) error {
	if err := r.Validate(); err != nil {
		return opError("delete", KindValidation, err)
	}
	if r.LUID != 0 || r.IfIndex != 0 || r.IfName != "" {
		luid, err := routeLUID(r)
		if err != nil {
			return opError("delete", KindValidation, err)
		}
		row, err := forwardRow(r, luid)
		if err != nil {
			return opError("delete", KindValidation, err)
		}
		if err := row.Delete(); err != nil {
			return opError("delete", KindSystemCall, err)
		}
		return nil
	}

	family := windows.AF_INET
	if r.Destination.Is6() {
		family = windows.AF_INET6
	}
	rows, err := winipcfg.GetIPForwardTable2(winipcfg.AddressFamily(family))
	if err != nil {
		return opError("delete", KindSystemCall, fmt.Errorf("GetIPForwardTable2: %w", err))
	}

	want := r.DestinationPrefix()
	for i := range rows {
		row := &rows[i]
		if row.DestinationPrefix.Prefix() != want {
			continue
		}
		if r.Gateway.IsValid() && row.NextHop.Addr().Unmap() != r.Gateway {
			continue
		}
		if err := row.Delete(); err != nil {
			return opError("delete", KindSystemCall, err)
		}
		return nil
	}
	return opError("delete", KindSystemCall, windows.ERROR_NOT_FOUND)
}

// forwardRow populates a forward-table row identifying the route on the
// given interface: destination prefix with host bits cleared, and the
// gateway as next hop, or the family's unspecified address for an
// on-link route.
func forwardRow(r *Route, luid winipcfg.LUID) (*winipcfg.MibIPforwardRow2, error) {
	var row winipcfg.MibIPforwardRow2
	row.Init()
	row.InterfaceLUID = luid
	if err := row.DestinationPrefix.SetPrefix(r.DestinationPrefix()); err != nil {
		return nil, err
	}
	nextHop := r.Gateway
	if !nextHop.IsValid() {
		if r.Destination.Is4() {
			nextHop = netip.IPv4Unspecified()
		} else {
			nextHop = netip.IPv6Unspecified()
		}
	}
	if err := row.NextHop.SetAddr(nextHop); err != nil {
		return nil, err
	}
	return &row, nil
}

// routeLUID resolves the interface a new route binds to, falling back to
// the interface of the best route towards the gateway.
func routeLUID(r *Route) (winipcfg.LUID, error) {
	if r.LUID != 0 {
		return winipcfg.LUID(r.LUID), nil
	}
	if r.IfIndex != 0 {
		return winipcfg.LUIDFromIndex(r.IfIndex)
	}
	if r.IfName != "" {
		return winipcfg.LUIDFromAlias(r.IfName)
	}
	if r.Gateway.IsValid() {
		row, err := getBestRoute2(r.Gateway)
		if err != nil {
			return 0, fmt.Errorf("no interface given and none reaches gateway %s: %w", r.Gateway, err)
		}
		return row.InterfaceLUID, nil
	}
	return 0, fmt.Errorf("route names neither an interface nor a gateway")
}

// FindRoute asks the stack directly instead of scanning a table dump.
func (winOps) FindRoute(dest netip.Addr) (*Route, error) {
	row, err := getBestRoute2(dest)
	if err != nil {
		if err == windows.ERROR_NETWORK_UNREACHABLE || err == windows.ERROR_NOT_FOUND {
			return nil, nil
		}
		return nil, opError("find", KindSystemCall, fmt.Errorf("GetBestRoute2: %w", err))
	}
	route := routeFromRow(row)
	return &route, nil
}

func getBestRoute2(dest netip.Addr) (*winipcfg.MibIPforwardRow2, error) {
	var sa winipcfg.RawSockaddrInet
	if err := sa.SetAddr(dest); err != nil {
		return nil, err
	}
	var (
		row winipcfg.MibIPforwardRow2
		src winipcfg.RawSockaddrInet
	)
	r0, _, _ := procGetBestRoute2.Call(
		0,
		0,
		0,
		uintptr(unsafe.Pointer(&sa)),
		0,
		uintptr(unsafe.Pointer(&row)),
		uintptr(unsafe.Pointer(&src)),
	)
	if r0 != 0 {
		return nil, windows.Errno(r0)
	}
	return &row, nil
}

func (winOps) Listener() (eventSource, error) {
	s := &winSource{
		events: make(chan RouteChange, eventBacklog),
		wakeup: make(chan struct{}, 1),
	}
	cb, err := winipcfg.RegisterRouteChangeCallback(s.onChange)
	if err != nil {
		return nil, opError("listen", KindSystemCall, fmt.Errorf("RegisterRouteChangeCallback: %w", err))
	}
	s.cb = cb
	return s, nil
}

// winSource bridges the IP Helper notification callback to the listener.
// The callback runs on an OS thread and must never block, so events pass
// through a bounded channel with a non-blocking send.
type winSource struct {
	events chan RouteChange
	wakeup chan struct{}

	mu sync.Mutex
	cb *winipcfg.RouteChangeCallback
}

func (s *winSource) onChange(nt winipcfg.MibNotificationType, row *winipcfg.MibIPforwardRow2) {
	var kind ChangeKind
	switch nt {
	case winipcfg.MibAddInstance:
		kind = ChangeAdd
	case winipcfg.MibDeleteInstance:
		kind = ChangeDelete
	case winipcfg.MibParameterNotification:
		kind = ChangeModify
	default:
		return
	}
	select {
	case s.events <- RouteChange{Kind: kind, Route: routeFromRow(row)}:
	default:
	}
}

func (s *winSource) recvBatch() ([]RouteChange, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return nil, errSourceClosed
		}
		return []RouteChange{ev}, nil
	case <-s.wakeup:
		return nil, errWake
	}
}

func (s *winSource) wake() error {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
	return nil
}

// shutdown unregisters the callback before closing the event channel;
// Unregister returns only after in-flight callbacks have completed, so
// no send can race the close. Safe to call more than once.
func (s *winSource) shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cb == nil {
		return nil
	}
	err := s.cb.Unregister()
	s.cb = nil
	close(s.events)
	return err
}

func (s *winSource) close() error {
	return s.shutdown()
}

func sysIfNameToIndex(name string) (uint32, error) {
	luid, err := winipcfg.LUIDFromAlias(name)
	if err != nil {
		return 0, err
	}
	iface, err := luid.Interface()
	if err != nil {
		return 0, err
	}
	return iface.InterfaceIndex, nil
}

func sysIfIndexToName(index uint32) (string, error) {
	luid, err := winipcfg.LUIDFromIndex(index)
	if err != nil {
		return "", err
	}
	iface, err := luid.Interface()
	if err != nil {
		return "", err
	}
	return iface.Alias(), nil
}
