// Package rtsock encodes and decodes BSD routing-socket messages. The
// per-platform layout differences (header field offsets, sockaddr
// alignment, AF_INET6 value, sockaddr_dl size) are captured in a
// WireFormat descriptor, so the codec itself is portable and testable on
// any platform. The active platform pins its descriptor in Native.
package rtsock

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"syscall"
)

// errnoErr turns an rtm_errno value into an inspectable error.
func errnoErr(n int) error {
	return syscall.Errno(n)
}

// Routing message types from <net/route.h>. Identical across the BSDs.
const (
	MsgAdd    = 0x1 // RTM_ADD
	MsgDelete = 0x2 // RTM_DELETE
	MsgChange = 0x3 // RTM_CHANGE
	MsgGet    = 0x4 // RTM_GET
)

// rtm_addrs bits selecting which sockaddr slots follow the header, and
// the slot indexes they correspond to.
const (
	RTADst     = 0x1
	RTAGateway = 0x2
	RTANetmask = 0x4

	slotDst     = 0
	slotGateway = 1
	slotNetmask = 2
	slotMax     = 8
)

// Route flags from <net/route.h>. The subset used here has the same
// values on macOS, FreeBSD and OpenBSD.
const (
	FlagUp        = 0x1      // RTF_UP
	FlagGateway   = 0x2      // RTF_GATEWAY
	FlagLLInfo    = 0x400    // RTF_LLINFO
	FlagStatic    = 0x800    // RTF_STATIC
	FlagWasCloned = 0x20000  // RTF_WASCLONED (macOS)
	FlagLocal     = 0x200000 // RTF_LOCAL
	FlagBroadcast = 0x400000 // RTF_BROADCAST
)

// Address families shared by every BSD. AF_INET6 differs per platform
// and lives in the WireFormat.
const (
	afInet = 0x2
	afLink = 0x12
)

const (
	sizeofSockaddrInet  = 16
	sizeofSockaddrInet6 = 28
)

// FilterPolicy selects which dump rows a platform hides from callers.
type FilterPolicy uint8

const (
	// FilterNone keeps every row.
	FilterNone FilterPolicy = iota
	// FilterCloned drops routes the kernel cloned from another entry.
	FilterCloned
	// FilterStrictStatic keeps only gateway, static or link-layer
	// routes, and drops local and broadcast entries.
	FilterStrictStatic
)

// Skip reports whether a dump row with the given flags is hidden.
func (p FilterPolicy) Skip(flags int) bool {
	switch p {
	case FilterCloned:
		return flags&FlagWasCloned != 0
	case FilterStrictStatic:
		if flags&(FlagGateway|FlagStatic|FlagLLInfo) == 0 {
			return true
		}
		return flags&(FlagLocal|FlagBroadcast) != 0
	default:
		return false
	}
}

// WireFormat describes one platform's rt_msghdr layout and sockaddr
// packing rules. Offsets are byte positions inside the header;
// OffHdrlen is -1 on platforms whose header has no rtm_hdrlen field.
type WireFormat struct {
	HdrLen    int
	OffHdrlen int
	OffIndex  int
	OffFlags  int
	OffAddrs  int
	OffPid    int
	OffSeq    int
	OffErrno  int

	Version int
	AFInet6 uint8
	LinkSAL int // sizeof sockaddr_dl

	// EncodeAlign and ParseAlign are the slot boundaries sockaddrs are
	// packed to when building and walking messages. 1 means exact
	// lengths, no padding.
	EncodeAlign int
	ParseAlign  int

	Filter FilterPolicy
}

// Header is the decoded fixed part of a routing message.
type Header struct {
	Len     int
	Version int
	Type    int
	Index   int
	Flags   int
	Addrs   int
	Pid     int
	Seq     int
	Errno   int
}

// Request is one outgoing routing message: header fields plus the packed
// sockaddr block.
type Request struct {
	Type    int
	Index   uint16
	Flags   int
	Addrs   int
	Pid     int
	Seq     int
	Payload []byte
}

// SlotSize rounds a sockaddr length up to the slot boundary. A zero
// length still occupies one boundary's worth of bytes; alignment 1
// packs sockaddrs back to back at their exact lengths.
func SlotSize(length, align int) int {
	if align <= 1 {
		return length
	}
	if length == 0 {
		return align
	}
	return 1 + ((length - 1) | (align - 1))
}

// MarshalRequest assembles the wire bytes for req.
func (w *WireFormat) MarshalRequest(req *Request) []byte {
	b := make([]byte, w.HdrLen+len(req.Payload))
	binary.NativeEndian.PutUint16(b[0:], uint16(len(b)))
	b[2] = byte(w.Version)
	b[3] = byte(req.Type)
	if w.OffHdrlen >= 0 {
		binary.NativeEndian.PutUint16(b[w.OffHdrlen:], uint16(w.HdrLen))
	}
	binary.NativeEndian.PutUint16(b[w.OffIndex:], req.Index)
	binary.NativeEndian.PutUint32(b[w.OffFlags:], uint32(req.Flags))
	binary.NativeEndian.PutUint32(b[w.OffAddrs:], uint32(req.Addrs))
	binary.NativeEndian.PutUint32(b[w.OffPid:], uint32(req.Pid))
	binary.NativeEndian.PutUint32(b[w.OffSeq:], uint32(req.Seq))
	copy(b[w.HdrLen:], req.Payload)
	return b
}

// ParseHeader decodes the fixed header at the start of b.
func (w *WireFormat) ParseHeader(b []byte) (*Header, error) {
	if len(b) < w.HdrLen {
		return nil, fmt.Errorf("routing message header truncated: %d of %d bytes", len(b), w.HdrLen)
	}
	return &Header{
		Len:     int(binary.NativeEndian.Uint16(b[0:])),
		Version: int(b[2]),
		Type:    int(b[3]),
		Index:   int(binary.NativeEndian.Uint16(b[w.OffIndex:])),
		Flags:   int(int32(binary.NativeEndian.Uint32(b[w.OffFlags:]))),
		Addrs:   int(int32(binary.NativeEndian.Uint32(b[w.OffAddrs:]))),
		Pid:     int(int32(binary.NativeEndian.Uint32(b[w.OffPid:]))),
		Seq:     int(int32(binary.NativeEndian.Uint32(b[w.OffSeq:]))),
		Errno:   int(int32(binary.NativeEndian.Uint32(b[w.OffErrno:]))),
	}, nil
}

// AppendSockaddrInet appends a sockaddr_in or sockaddr_in6 for addr,
// padded to the encode boundary.
func (w *WireFormat) AppendSockaddrInet(b []byte, addr netip.Addr) []byte {
	var sa []byte
	if addr.Is4() {
		sa = make([]byte, SlotSize(sizeofSockaddrInet, w.EncodeAlign))
		sa[0] = sizeofSockaddrInet
		sa[1] = afInet
		a4 := addr.As4()
		copy(sa[4:8], a4[:])
	} else {
		sa = make([]byte, SlotSize(sizeofSockaddrInet6, w.EncodeAlign))
		sa[0] = sizeofSockaddrInet6
		sa[1] = w.AFInet6
		a16 := addr.As16()
		copy(sa[8:24], a16[:])
	}
	return append(b, sa...)
}

// AppendSockaddrLink appends a sockaddr_dl naming an interface by index.
func (w *WireFormat) AppendSockaddrLink(b []byte, ifIndex uint16) []byte {
	sa := make([]byte, SlotSize(w.LinkSAL, w.EncodeAlign))
	sa[0] = byte(w.LinkSAL)
	sa[1] = afLink
	binary.NativeEndian.PutUint16(sa[2:], ifIndex)
	return append(b, sa...)
}

// ParseAddrs splits the sockaddr block following a header into per-slot
// raw sockaddrs, keyed by RTAX index. A slot whose bit is set but whose
// bytes have run out stays nil; a zero-length sockaddr occupies one
// boundary and yields an empty slot.
func (w *WireFormat) ParseAddrs(addrs int, body []byte) ([slotMax][]byte, error) {
	var slots [slotMax][]byte
	for i := 0; i < slotMax; i++ {
		if addrs&(1<<uint(i)) == 0 {
			continue
		}
		if len(body) < sizeofSockaddrInet {
			continue
		}
		saLen := int(body[0])
		if saLen > len(body) {
			return slots, fmt.Errorf("sockaddr slot %d: length %d exceeds %d remaining bytes", i, saLen, len(body))
		}
		slots[i] = body[:saLen]
		if advance := SlotSize(saLen, w.ParseAlign); advance < len(body) {
			body = body[advance:]
		} else {
			body = nil
		}
	}
	return slots, nil
}

// ParseSockaddrInet extracts the address from a raw sockaddr_in or
// sockaddr_in6. Link-layer and unknown families report false.
func (w *WireFormat) ParseSockaddrInet(sa []byte) (netip.Addr, bool) {
	if len(sa) < 2 {
		return netip.Addr{}, false
	}
	switch sa[1] {
	case afInet:
		if len(sa) < 8 {
			return netip.Addr{}, false
		}
		return netip.AddrFrom4([4]byte(sa[4:8])), true
	case w.AFInet6:
		if len(sa) < 24 {
			return netip.Addr{}, false
		}
		return netip.AddrFrom16([16]byte(sa[8:24])), true
	default:
		return netip.Addr{}, false
	}
}

// PrefixFromMask converts a netmask slot into a prefix length for a
// destination of the given family. Kernels truncate trailing zero mask
// bytes; missing bytes count as zeros.
func (w *WireFormat) PrefixFromMask(sa []byte, v4 bool) uint8 {
	if len(sa) == 0 || sa[0] == 0 {
		return 0
	}
	offset, width := 8, 16
	if v4 {
		offset, width = 4, 4
	}
	var ones uint8
	for i := 0; i < width; i++ {
		var b byte
		if offset+i < len(sa) {
			b = sa[offset+i]
		}
		if b == 0xff {
			ones += 8
			continue
		}
		for ; b&0x80 != 0; b <<= 1 {
			ones++
		}
		break
	}
	return ones
}

// FixLinkLocalGateway clears the embedded interface scope the kernel
// stashes in bytes 2 and 3 of link-local unicast and interface/link
// scoped multicast gateway addresses.
func FixLinkLocalGateway(addr netip.Addr) netip.Addr {
	if !addr.Is6() {
		return addr
	}
	a16 := addr.As16()
	unicastLL := a16[0] == 0xfe && a16[1] == 0x80
	multicastIfOrLL := a16[0] == 0xff && (a16[1]&0x0f == 0x1 || a16[1]&0x0f == 0x2)
	if !unicastLL && !multicastIfOrLL {
		return addr
	}
	a16[2] = 0
	a16[3] = 0
	return netip.AddrFrom16(a16)
}

// RIBRoute is one route decoded from a routing message.
type RIBRoute struct {
	MsgType int
	Dst     netip.Addr
	Prefix  uint8
	Gateway netip.Addr
	IfIndex uint16
}

// decodeRoute extracts a route from a parsed header and its sockaddr
// block. ok is false when the message carries no usable destination.
func (w *WireFormat) decodeRoute(h *Header, body []byte) (*RIBRoute, bool, error) {
	if h.Addrs&RTADst == 0 {
		return nil, false, nil
	}
	slots, err := w.ParseAddrs(h.Addrs, body)
	if err != nil {
		return nil, false, err
	}
	dst, ok := w.ParseSockaddrInet(slots[slotDst])
	if !ok {
		return nil, false, nil
	}

	r := &RIBRoute{
		MsgType: h.Type,
		Dst:     dst,
		IfIndex: uint16(h.Index),
	}
	if h.Addrs&RTANetmask != 0 {
		r.Prefix = w.PrefixFromMask(slots[slotNetmask], dst.Is4())
	} else if dst.Is4() {
		r.Prefix = 32
	} else {
		r.Prefix = 128
	}
	if h.Addrs&RTAGateway != 0 {
		if gw, ok := w.ParseSockaddrInet(slots[slotGateway]); ok {
			r.Gateway = FixLinkLocalGateway(gw)
		}
	}
	return r, true, nil
}

// ParseMessages walks a buffer of routing messages, invoking fn for each
// decoded route. Messages of another wire version or hidden by the
// platform filter are skipped. A nonzero rtm_errno aborts the walk with
// that errno as the error, except in dump mode where the row is dropped.
func (w *WireFormat) ParseMessages(buf []byte, dump bool, fn func(*RIBRoute)) error {
	for len(buf) >= w.HdrLen {
		h, err := w.ParseHeader(buf)
		if err != nil {
			return err
		}
		if h.Len < w.HdrLen || h.Len > len(buf) {
			return fmt.Errorf("routing message length %d outside %d..%d", h.Len, w.HdrLen, len(buf))
		}
		body := buf[w.HdrLen:h.Len]
		buf = buf[h.Len:]

		if h.Version != w.Version {
			continue
		}
		if h.Errno != 0 {
			if dump {
				continue
			}
			return fmt.Errorf("routing message %d rejected: %w", h.Type, errnoErr(h.Errno))
		}
		if w.Filter.Skip(h.Flags) {
			continue
		}
		route, ok, err := w.decodeRoute(h, body)
		if err != nil {
			return err
		}
		if ok {
			fn(route)
		}
	}
	return nil
}
