// Package nlmsg encodes and decodes rtnetlink route message bodies: the
// fixed rtmsg header followed by routing attributes. It is independent of
// any socket so the codec builds and tests on every platform.
package nlmsg

import (
	"fmt"
	"net/netip"

	"github.com/mdlayher/netlink"
)

// Route message types from linux/rtnetlink.h.
const (
	RTMNewRoute = 0x18
	RTMDelRoute = 0x19
	RTMGetRoute = 0x1a
)

// Address families from linux/socket.h.
const (
	FamilyInet  = 0x2
	FamilyInet6 = 0xa
)

// RouteTableMain is RT_TABLE_MAIN, the table route changes land in when
// no table is named.
const RouteTableMain = 0xfe

// Routing attribute types from linux/rtnetlink.h.
const (
	rtaDst      = 0x1
	rtaSrc      = 0x2
	rtaOif      = 0x4
	rtaGateway  = 0x5
	rtaPriority = 0x6
	rtaPrefSrc  = 0x7
	rtaTable    = 0xf
)

// Fixed rtmsg header fields.
const (
	sizeofRtMsg      = 12
	routeProtoStatic = 0x4 // RTPROT_STATIC
	scopeUniverse    = 0x0 // RT_SCOPE_UNIVERSE
	typeUnicast      = 0x1 // RTN_UNICAST
)

// RouteMessage is the decoded body of an rtnetlink route message, holding
// the rtmsg header fields and the attributes this package understands.
// Address fields are the zero Addr when absent.
type RouteMessage struct {
	Family   uint8
	DstLen   uint8
	SrcLen   uint8
	Table    uint32
	Dst      netip.Addr
	Src      netip.Addr
	Gateway  netip.Addr
	PrefSrc  netip.Addr
	OifIndex uint32
	Priority uint32
}

// Marshal encodes the message body for a request. The rtmsg header is
// filled for a static unicast route; attributes are emitted only for set
// fields. Tables beyond the 8-bit rtmsg field are carried as RTA_TABLE.
func (m *RouteMessage) Marshal() ([]byte, error) {
	b := make([]byte, sizeofRtMsg)
	b[0] = m.Family
	b[1] = m.DstLen
	b[2] = m.SrcLen
	if m.Table <= 0xff {
		b[4] = uint8(m.Table)
	}
	b[5] = routeProtoStatic
	b[6] = scopeUniverse
	b[7] = typeUnicast

	ae := netlink.NewAttributeEncoder()
	if m.Dst.IsValid() {
		ae.Bytes(rtaDst, m.Dst.AsSlice())
	}
	if m.Src.IsValid() {
		ae.Bytes(rtaSrc, m.Src.AsSlice())
	}
	if m.Gateway.IsValid() {
		ae.Bytes(rtaGateway, m.Gateway.AsSlice())
	}
	if m.PrefSrc.IsValid() {
		ae.Bytes(rtaPrefSrc, m.PrefSrc.AsSlice())
	}
	if m.OifIndex != 0 {
		ae.Uint32(rtaOif, m.OifIndex)
	}
	if m.Priority != 0 {
		ae.Uint32(rtaPriority, m.Priority)
	}
	if m.Table > 0xff {
		ae.Uint32(rtaTable, m.Table)
	}
	attrs, err := ae.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode route attributes: %w", err)
	}
	return append(b, attrs...), nil
}

// Unmarshal decodes a route message body. A message without RTA_DST gets
// the unspecified address of its family as destination; an unknown
// address family is an error.
func Unmarshal(b []byte) (*RouteMessage, error) {
	if len(b) < sizeofRtMsg {
		return nil, fmt.Errorf("route message too short: %d bytes", len(b))
	}
	m := &RouteMessage{
		Family: b[0],
		DstLen: b[1],
		SrcLen: b[2],
		Table:  uint32(b[4]),
	}
	if m.Family != FamilyInet && m.Family != FamilyInet6 {
		return nil, fmt.Errorf("unsupported route address family %d", m.Family)
	}

	want := 4
	if m.Family == FamilyInet6 {
		want = 16
	}

	ad, err := netlink.NewAttributeDecoder(b[sizeofRtMsg:])
	if err != nil {
		return nil, fmt.Errorf("decode route attributes: %w", err)
	}
	for ad.Next() {
		switch ad.Type() {
		case rtaDst:
			m.Dst, err = attrAddr(ad.Bytes(), want)
		case rtaSrc:
			m.Src, err = attrAddr(ad.Bytes(), want)
		case rtaGateway:
			m.Gateway, err = attrAddr(ad.Bytes(), want)
		case rtaPrefSrc:
			m.PrefSrc, err = attrAddr(ad.Bytes(), want)
		case rtaOif:
			m.OifIndex = ad.Uint32()
		case rtaPriority:
			m.Priority = ad.Uint32()
		case rtaTable:
			m.Table = ad.Uint32()
		}
		if err != nil {
			return nil, err
		}
	}
	if err := ad.Err(); err != nil {
		return nil, fmt.Errorf("decode route attributes: %w", err)
	}

	if !m.Dst.IsValid() {
		if m.Family == FamilyInet {
			m.Dst = netip.IPv4Unspecified()
		} else {
			m.Dst = netip.IPv6Unspecified()
		}
	}
	return m, nil
}

// attrAddr validates that an address attribute matches the message's
// family before converting it.
func attrAddr(b []byte, want int) (netip.Addr, error) {
	if len(b) != want {
		return netip.Addr{}, fmt.Errorf("address attribute of %d bytes, want %d", len(b), want)
	}
	a, _ := netip.AddrFromSlice(b)
	return a, nil
}
