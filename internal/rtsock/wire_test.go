package rtsock

import (
	"encoding/binary"
	"net/netip"
	"syscall"
	"testing"
)

// fmtExact mirrors the Darwin layout: exact-length encoding, replies
// padded to 4 bytes.
var fmtExact = &WireFormat{
	HdrLen:    92,
	OffHdrlen: -1,
	OffIndex:  4,
	OffFlags:  8,
	OffAddrs:  12,
	OffPid:    16,
	OffSeq:    20,
	OffErrno:  24,

	Version: 5,
	AFInet6: 30,
	LinkSAL: 20,

	EncodeAlign: 1,
	ParseAlign:  4,

	Filter: FilterCloned,
}

// fmtWord mirrors the FreeBSD layout: everything packed to 8-byte words.
var fmtWord = &WireFormat{
	HdrLen:    152,
	OffHdrlen: -1,
	OffIndex:  4,
	OffFlags:  8,
	OffAddrs:  12,
	OffPid:    16,
	OffSeq:    20,
	OffErrno:  24,

	Version: 5,
	AFInet6: 28,
	LinkSAL: 54,

	EncodeAlign: 8,
	ParseAlign:  8,

	Filter: FilterNone,
}

func TestSlotSize(t *testing.T) {
	tests := []struct {
		length, align, expected int
	}{
		{7, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{0, 8, 8},
		{16, 8, 16},
		{28, 8, 32},
		{5, 4, 8},
		{0, 4, 4},
		{16, 1, 16},
		{0, 1, 0},
	}
	for _, tt := range tests {
		if got := SlotSize(tt.length, tt.align); got != tt.expected {
			t.Errorf("SlotSize(%d, %d) = %d, want %d", tt.length, tt.align, got, tt.expected)
		}
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	req := &Request{
		Type:    MsgAdd,
		Index:   7,
		Flags:   FlagUp | FlagStatic | FlagGateway,
		Addrs:   RTADst | RTAGateway | RTANetmask,
		Pid:     1234,
		Seq:     42,
		Payload: []byte{0xde, 0xad},
	}
	b := fmtExact.MarshalRequest(req)
	if len(b) != fmtExact.HdrLen+2 {
		t.Fatalf("Expected %d bytes, got %d", fmtExact.HdrLen+2, len(b))
	}

	h, err := fmtExact.ParseHeader(b)
	if err != nil {
		t.Fatalf("ParseHeader failed: %v", err)
	}
	if h.Len != len(b) || h.Version != 5 || h.Type != MsgAdd {
		t.Errorf("Header basics wrong: %+v", h)
	}
	if h.Index != 7 || h.Flags != req.Flags || h.Addrs != req.Addrs {
		t.Errorf("Header fields wrong: %+v", h)
	}
	if h.Pid != 1234 || h.Seq != 42 || h.Errno != 0 {
		t.Errorf("Header tail wrong: %+v", h)
	}
}

func TestHeaderExplicitHdrlen(t *testing.T) {
	f := *fmtExact
	f.HdrLen = 96
	f.OffHdrlen = 4
	f.OffIndex = 6
	b := f.MarshalRequest(&Request{Type: MsgDelete, Index: 3})
	if got := binary.NativeEndian.Uint16(b[4:]); got != 96 {
		t.Errorf("Expected rtm_hdrlen 96, got %d", got)
	}
	h, err := f.ParseHeader(b)
	if err != nil || h.Index != 3 || h.Type != MsgDelete {
		t.Errorf("Header re-parse broken: %v %+v", err, h)
	}
}

func TestAppendSockaddrInet(t *testing.T) {
	b := fmtExact.AppendSockaddrInet(nil, netip.MustParseAddr("192.168.1.1"))
	if len(b) != 16 || b[0] != 16 || b[1] != 2 {
		t.Fatalf("Bad sockaddr_in framing: % x", b)
	}
	if b[4] != 192 || b[5] != 168 || b[6] != 1 || b[7] != 1 {
		t.Errorf("Address bytes misplaced: % x", b)
	}

	b6 := fmtExact.AppendSockaddrInet(nil, netip.MustParseAddr("2001:db8::1"))
	if len(b6) != 28 || b6[0] != 28 || b6[1] != fmtExact.AFInet6 {
		t.Fatalf("Bad sockaddr_in6 framing: % x", b6)
	}
	if b6[8] != 0x20 || b6[9] != 0x01 || b6[23] != 0x01 {
		t.Errorf("v6 address bytes misplaced: % x", b6)
	}

	// Word-aligned platforms pad the 28-byte sockaddr_in6 to 32.
	b6w := fmtWord.AppendSockaddrInet(nil, netip.MustParseAddr("2001:db8::1"))
	if len(b6w) != 32 {
		t.Errorf("Expected padded slot of 32 bytes, got %d", len(b6w))
	}
}

func TestAppendSockaddrLink(t *testing.T) {
	b := fmtExact.AppendSockaddrLink(nil, 9)
	if len(b) != 20 || b[0] != 20 || b[1] != afLink {
		t.Fatalf("Bad sockaddr_dl framing: % x", b)
	}
	if b[2] != 9 && b[3] != 9 {
		t.Errorf("Interface index missing: % x", b)
	}
}

func TestParseAddrsWalk(t *testing.T) {
	var body []byte
	body = fmtExact.AppendSockaddrInet(body, netip.MustParseAddr("10.1.2.0"))
	body = fmtExact.AppendSockaddrInet(body, netip.MustParseAddr("192.168.1.1"))
	body = fmtExact.AppendSockaddrInet(body, netip.MustParseAddr("255.255.255.0"))

	slots, err := fmtExact.ParseAddrs(RTADst|RTAGateway|RTANetmask, body)
	if err != nil {
		t.Fatalf("ParseAddrs failed: %v", err)
	}
	dst, ok := fmtExact.ParseSockaddrInet(slots[slotDst])
	if !ok || dst.String() != "10.1.2.0" {
		t.Errorf("Destination slot wrong: %v %v", dst, ok)
	}
	gw, ok := fmtExact.ParseSockaddrInet(slots[slotGateway])
	if !ok || gw.String() != "192.168.1.1" {
		t.Errorf("Gateway slot wrong: %v %v", gw, ok)
	}
	if got := fmtExact.PrefixFromMask(slots[slotNetmask], true); got != 24 {
		t.Errorf("Expected prefix 24, got %d", got)
	}
}

func TestParseAddrsZeroLengthSlot(t *testing.T) {
	// A zero sa_len netmask occupies one alignment unit and means /0.
	var body []byte
	body = fmtWord.AppendSockaddrInet(body, netip.MustParseAddr("0.0.0.0"))
	body = append(body, make([]byte, 8)...) // zero-length netmask slot
	body = fmtWord.AppendSockaddrLink(body, 2)

	slots, err := fmtWord.ParseAddrs(RTADst|RTANetmask|0x10, body)
	if err != nil {
		t.Fatalf("ParseAddrs failed: %v", err)
	}
	if got := fmtWord.PrefixFromMask(slots[slotNetmask], true); got != 0 {
		t.Errorf("Expected prefix 0 for zero-length mask, got %d", got)
	}
	if len(slots[4]) == 0 || slots[4][1] != afLink {
		t.Errorf("Slot after zero-length mask not aligned: % x", slots[4])
	}
}

func TestPrefixFromMask(t *testing.T) {
	mask := func(addr string) []byte {
		return fmtExact.AppendSockaddrInet(nil, netip.MustParseAddr(addr))
	}
	tests := []struct {
		name     string
		sa       []byte
		v4       bool
		expected uint8
	}{
		{"v4 /24", mask("255.255.255.0"), true, 24},
		{"v4 /19", mask("255.255.224.0"), true, 19},
		{"v4 /32", mask("255.255.255.255"), true, 32},
		{"v4 /0 zero mask", mask("0.0.0.0"), true, 0},
		{"v6 /64", mask("ffff:ffff:ffff:ffff::"), false, 64},
		{"nil slot", nil, true, 0},
		{"truncated to sa_len 8", append([]byte{8, 2, 0, 0}, 255, 255, 255, 255), true, 32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fmtExact.PrefixFromMask(tt.sa, tt.v4); got != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestFixLinkLocalGateway(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{"unicast link-local", "fe80:5::1", "fe80::1"},
		{"multicast link scope", "ff02:3::1", "ff02::1"},
		{"multicast interface scope", "ff01:2::1", "ff01::1"},
		{"multicast global scope untouched", "ff0e:2::1", "ff0e:2::1"},
		{"global untouched", "2001:db8::1", "2001:db8::1"},
		{"v4 untouched", "192.168.1.1", "192.168.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FixLinkLocalGateway(netip.MustParseAddr(tt.in))
			if got.String() != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestFilterPolicies(t *testing.T) {
	if FilterNone.Skip(FlagWasCloned | FlagLocal) {
		t.Error("FilterNone must keep everything")
	}
	if !FilterCloned.Skip(FlagUp | FlagWasCloned) {
		t.Error("FilterCloned must drop cloned routes")
	}
	if FilterCloned.Skip(FlagUp | FlagStatic) {
		t.Error("FilterCloned must keep static routes")
	}
	if !FilterStrictStatic.Skip(FlagUp) {
		t.Error("FilterStrictStatic must drop plain routes")
	}
	if FilterStrictStatic.Skip(FlagUp | FlagStatic) {
		t.Error("FilterStrictStatic must keep static routes")
	}
	if !FilterStrictStatic.Skip(FlagUp | FlagGateway | FlagLocal) {
		t.Error("FilterStrictStatic must drop local routes")
	}
}

// buildMessage assembles one routing message for ParseMessages tests.
func buildMessage(f *WireFormat, req *Request) []byte {
	return f.MarshalRequest(req)
}

func dumpRow(f *WireFormat, dest, mask, gw string, flags int) []byte {
	var payload []byte
	payload = f.AppendSockaddrInet(payload, netip.MustParseAddr(dest))
	payload = f.AppendSockaddrInet(payload, netip.MustParseAddr(gw))
	payload = f.AppendSockaddrInet(payload, netip.MustParseAddr(mask))
	return buildMessage(f, &Request{
		Type:    MsgGet,
		Index:   4,
		Flags:   flags,
		Addrs:   RTADst | RTAGateway | RTANetmask,
		Payload: payload,
	})
}

func TestParseMessagesDump(t *testing.T) {
	var buf []byte
	buf = append(buf, dumpRow(fmtExact, "10.1.0.0", "255.255.0.0", "192.168.1.1", FlagUp|FlagStatic)...)
	buf = append(buf, dumpRow(fmtExact, "10.2.0.0", "255.255.0.0", "192.168.1.1", FlagUp|FlagWasCloned)...)
	buf = append(buf, dumpRow(fmtExact, "10.3.0.0", "255.255.0.0", "192.168.1.1", FlagUp|FlagStatic)...)

	var got []RIBRoute
	err := fmtExact.ParseMessages(buf, true, func(r *RIBRoute) {
		got = append(got, *r)
	})
	if err != nil {
		t.Fatalf("ParseMessages failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected cloned row filtered, got %d rows", len(got))
	}
	r := got[0]
	if r.Dst.String() != "10.1.0.0" || r.Prefix != 16 {
		t.Errorf("Row decoded wrong: %+v", r)
	}
	if r.Gateway.String() != "192.168.1.1" || r.IfIndex != 4 {
		t.Errorf("Row gateway/index wrong: %+v", r)
	}
}

func TestParseMessagesVersionFilter(t *testing.T) {
	row := dumpRow(fmtExact, "10.1.0.0", "255.255.0.0", "192.168.1.1", FlagUp)
	row[2] = 3 // stale wire version

	count := 0
	err := fmtExact.ParseMessages(row, true, func(*RIBRoute) { count++ })
	if err != nil || count != 0 {
		t.Errorf("Old-version message must be skipped: err=%v count=%d", err, count)
	}
}

func TestParseMessagesErrno(t *testing.T) {
	row := dumpRow(fmtExact, "10.1.0.0", "255.255.0.0", "192.168.1.1", FlagUp)
	// Patch rtm_errno to EEXIST.
	row[fmtExact.OffErrno] = byte(syscall.EEXIST)

	count := 0
	if err := fmtExact.ParseMessages(row, true, func(*RIBRoute) { count++ }); err != nil {
		t.Errorf("Dump mode must skip errno rows, got %v", err)
	}
	if count != 0 {
		t.Error("Errno row must not be decoded")
	}

	err := fmtExact.ParseMessages(row, false, func(*RIBRoute) {})
	if err == nil {
		t.Fatal("Reply mode must surface errno")
	}
}
