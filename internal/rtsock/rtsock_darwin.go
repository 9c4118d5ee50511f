//go:build darwin

package rtsock

import "golang.org/x/sys/unix"

// Native describes the Darwin routing-socket layout. Outgoing sockaddrs
// are packed at their exact lengths; the kernel pads replies to 4 bytes.
// Cloned routes are hidden from dumps.
var Native = &WireFormat{
	HdrLen:    unix.SizeofRtMsghdr,
	OffHdrlen: -1,
	OffIndex:  4,
	OffFlags:  8,
	OffAddrs:  12,
	OffPid:    16,
	OffSeq:    20,
	OffErrno:  24,

	Version: unix.RTM_VERSION,
	AFInet6: unix.AF_INET6,
	LinkSAL: unix.SizeofSockaddrDatalink,

	EncodeAlign: 1,
	ParseAlign:  4,

	Filter: FilterCloned,
}
