//go:build openbsd

package rtsock

import (
	"math/bits"

	"golang.org/x/sys/unix"
)

// Native describes the OpenBSD routing-socket layout. The header carries
// an explicit rtm_hdrlen; dumps keep only gateway, static or link-layer
// routes.
var Native = &WireFormat{
	HdrLen:    unix.SizeofRtMsghdr,
	OffHdrlen: 4,
	OffIndex:  6,
	OffFlags:  16,
	OffAddrs:  12,
	OffPid:    24,
	OffSeq:    28,
	OffErrno:  32,

	Version: unix.RTM_VERSION,
	AFInet6: unix.AF_INET6,
	LinkSAL: unix.SizeofSockaddrDatalink,

	EncodeAlign: bits.UintSize / 8,
	ParseAlign:  bits.UintSize / 8,

	Filter: FilterStrictStatic,
}
