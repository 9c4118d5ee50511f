package routemanager

import (
	"fmt"
	"net/netip"
	"strings"
)

// Route is one routing-table entry. Destination and Prefix are required;
// everything else is optional and zero when absent. Metric 0 means the
// metric is unset. Table, Source, SourcePrefix and PrefSource are only
// meaningful on Linux (Table 0 selects the main table), LUID only on
// Windows.
type Route struct {
	Destination netip.Addr
	Prefix      uint8
	Gateway     netip.Addr
	IfIndex     uint32
	IfName      string
	Metric      uint32

	Table        uint32
	Source       netip.Addr
	SourcePrefix uint8
	PrefSource   netip.Addr

	LUID uint64
}

// NewRoute builds a route for a destination network. Further fields are
// set directly on the returned value.
func NewRoute(destination netip.Addr, prefix uint8) Route {
	return Route{Destination: destination, Prefix: prefix}
}

// WithGateway returns a copy of the route using gw as its next hop.
func (r Route) WithGateway(gw netip.Addr) Route {
	r.Gateway = gw
	return r
}

// WithInterface returns a copy of the route bound to the named interface.
func (r Route) WithInterface(name string) Route {
	r.IfName = name
	return r
}

// WithMetric returns a copy of the route carrying the given metric.
func (r Route) WithMetric(metric uint32) Route {
	r.Metric = metric
	return r
}

// bitLen is the address width of the destination family.
func (r *Route) bitLen() int {
	if r.Destination.Is4() {
		return 32
	}
	return 128
}

// Network returns the destination with its host bits cleared.
func (r *Route) Network() netip.Addr {
	p, err := r.Destination.Prefix(int(r.Prefix))
	if err != nil {
		return r.Destination
	}
	return p.Addr()
}

// DestinationPrefix returns the destination network as a netip.Prefix
// with host bits cleared.
func (r *Route) DestinationPrefix() netip.Prefix {
	return netip.PrefixFrom(r.Network(), int(r.Prefix))
}

// Mask returns the netmask of the destination prefix as an address of the
// destination's family.
func (r *Route) Mask() netip.Addr {
	b := maskBytes(r.bitLen()/8, int(r.Prefix))
	a, _ := netip.AddrFromSlice(b)
	return a
}

// Contains reports whether addr falls inside the destination network.
// Addresses of the other family never match.
func (r *Route) Contains(addr netip.Addr) bool {
	if !r.Destination.IsValid() || r.Destination.Is4() != addr.Is4() {
		return false
	}
	p, err := r.Destination.Prefix(int(r.Prefix))
	if err != nil {
		return false
	}
	return p.Contains(addr)
}

// Validate checks the route for internal consistency: a valid destination,
// a prefix within the family's address width, a gateway of the same family
// when present, and interface name/index that resolve on this host (and to
// each other when both are set).
func (r *Route) Validate() error {
	if !r.Destination.IsValid() {
		return fmt.Errorf("destination address is not set")
	}
	if int(r.Prefix) > r.bitLen() {
		return fmt.Errorf("prefix length %d exceeds %d-bit destination %s", r.Prefix, r.bitLen(), r.Destination)
	}
	if r.Gateway.IsValid() && r.Gateway.Is4() != r.Destination.Is4() {
		return fmt.Errorf("gateway %s and destination %s are of different address families", r.Gateway, r.Destination)
	}
	if r.Source.IsValid() {
		if r.Source.Is4() != r.Destination.Is4() {
			return fmt.Errorf("source %s and destination %s are of different address families", r.Source, r.Destination)
		}
		if int(r.SourcePrefix) > r.bitLen() {
			return fmt.Errorf("source prefix length %d exceeds %d-bit source %s", r.SourcePrefix, r.bitLen(), r.Source)
		}
	}
	if r.PrefSource.IsValid() && r.PrefSource.Is4() != r.Destination.Is4() {
		return fmt.Errorf("preferred source %s and destination %s are of different address families", r.PrefSource, r.Destination)
	}
	var (
		nameIndex uint32
		err       error
	)
	if r.IfName != "" {
		nameIndex, err = sysIfNameToIndex(r.IfName)
		if err != nil {
			return fmt.Errorf("interface %q: %w", r.IfName, err)
		}
	}
	if r.IfIndex != 0 {
		if _, err = sysIfIndexToName(r.IfIndex); err != nil {
			return fmt.Errorf("interface index %d: %w", r.IfIndex, err)
		}
		if nameIndex != 0 && nameIndex != r.IfIndex {
			return fmt.Errorf("interface %q has index %d, not %d", r.IfName, nameIndex, r.IfIndex)
		}
	}
	return nil
}

// ifIndex resolves the route's interface index, falling back to the name
// when only that is set. Returns 0 when the route names no interface.
func (r *Route) ifIndex() (uint32, error) {
	if r.IfIndex != 0 {
		return r.IfIndex, nil
	}
	if r.IfName == "" {
		return 0, nil
	}
	return sysIfNameToIndex(r.IfName)
}

// compare orders routes for best-match lookup: longer prefixes sort
// greater, and within a prefix length the lower metric sorts greater.
func (r *Route) compare(o *Route) int {
	if r.Prefix != o.Prefix {
		return int(r.Prefix) - int(o.Prefix)
	}
	switch {
	case r.Metric == o.Metric:
		return 0
	case r.Metric < o.Metric:
		return 1
	default:
		return -1
	}
}

func (r Route) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%d", r.Destination, r.Prefix)
	if r.Gateway.IsValid() {
		fmt.Fprintf(&b, " via %s", r.Gateway)
	}
	switch {
	case r.IfName != "":
		fmt.Fprintf(&b, " dev %s", r.IfName)
	case r.IfIndex != 0:
		fmt.Fprintf(&b, " dev #%d", r.IfIndex)
	}
	if r.Metric != 0 {
		fmt.Fprintf(&b, " metric %d", r.Metric)
	}
	return b.String()
}

// maskBytes builds a netmask of the given byte width with ones leading bits.
func maskBytes(width, ones int) []byte {
	b := make([]byte, width)
	for i := 0; i < width && ones > 0; i++ {
		if ones >= 8 {
			b[i] = 0xff
			ones -= 8
			continue
		}
		b[i] = ^byte(0xff >> ones)
		ones = 0
	}
	return b
}
