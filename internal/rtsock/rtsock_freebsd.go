//go:build freebsd

package rtsock

import (
	"math/bits"

	"golang.org/x/sys/unix"
)

// Native describes the FreeBSD routing-socket layout. Sockaddrs are
// packed to C long boundaries in both directions.
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

	EncodeAlign: bits.UintSize / 8,
	ParseAlign:  bits.UintSize / 8,

	Filter: FilterNone,
}
