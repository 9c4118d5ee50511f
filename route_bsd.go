//go:build darwin || freebsd || openbsd

package routemanager

import (
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/net/route"
	"golang.org/x/sys/unix"

	"github.com/tun-rs/route-manager/internal/rtsock"
)

// ribMaxRetries bounds re-reads of the routing table when it mutates
// between the sysctl size probe and the fetch.
const ribMaxRetries = 3

// rtseq numbers outgoing routing messages.
var rtseq atomic.Int32

type rtsockOps struct{}

func newSysOps() (sysOps, error) {
	return rtsockOps{}, nil
}

// Sockets are opened per operation, so there is nothing to release.
func (rtsockOps) Close() error { return nil }

func (rtsockOps) List() ([]Route, error) {
	var (
		rib []byte
		err error
	)
	for attempt := 0; attempt < ribMaxRetries; attempt++ {
		rib, err = route.FetchRIB(unix.AF_UNSPEC, route.RIBTypeRoute, 0)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, opError("list", KindSystemCall, fmt.Errorf("routing table dump: %w", err))
	}

	var routes []Route
	err = rtsock.Native.ParseMessages(rib, true, func(rr *rtsock.RIBRoute) {
		if rr.MsgType != rtsock.MsgGet {
			return
		}
		routes = append(routes, routeFromRIB(rr))
	})
	if err != nil {
		return nil, opError("list", KindProtocol, err)
	}
	return routes, nil
}

func routeFromRIB(rr *rtsock.RIBRoute) Route {
	r := Route{
		Destination: rr.Dst,
		Prefix:      rr.Prefix,
		Gateway:     rr.Gateway,
		IfIndex:     uint32(rr.IfIndex),
	}
	if r.IfIndex != 0 {
		if name, err := sysIfIndexToName(r.IfIndex); err == nil {
			r.IfName = name
		}
	}
	return r
}

func (rtsockOps) Add(r *Route) error {
	return rtsockModify("add", r, rtsock.MsgAdd)
}

func (rtsockOps) Delete(r *Route) error {
	return rtsockModify("delete", r, rtsock.MsgDelete)
}

func rtsockModify(op string, r *Route, msgType int) error {
	if err := r.Validate(); err != nil {
		return opError(op, KindValidation, err)
	}
	msg, err := rtsockRequest(r, msgType)
	if err != nil {
		return opError(op, KindValidation, err)
	}

	fd, err := unix.Socket(unix.AF_ROUTE, unix.SOCK_RAW, unix.AF_UNSPEC)
	if err != nil {
		return opError(op, KindSystemCall, fmt.Errorf("open routing socket: %w", err))
	}
	defer unix.Close(fd)

	if _, err := unix.Write(fd, msg); err != nil {
		return opError(op, KindSystemCall, err)
	}

	buf := make([]byte, 2048)
	n, err := unix.Read(fd, buf)
	if err != nil {
		return opError(op, KindSystemCall, err)
	}
	// The reply echoes our message; a nonzero rtm_errno surfaces here.
	if err := rtsock.Native.ParseMessages(buf[:n], false, func(*rtsock.RIBRoute) {}); err != nil {
		return opError(op, KindSystemCall, err)
	}
	return nil
}

// rtsockRequest builds the wire message for an add or delete. Adds place
// the gateway, or failing that the interface, ahead of the netmask;
// deletes append an interface-only sockaddr after the netmask.
func rtsockRequest(r *Route, msgType int) ([]byte, error) {
	w := rtsock.Native
	gwValid := r.Gateway.IsValid()
	ifIndex, err := r.ifIndex()
	if err != nil {
		return nil, err
	}

	addrs := rtsock.RTADst | rtsock.RTANetmask
	if msgType == rtsock.MsgAdd || gwValid {
		addrs |= rtsock.RTAGateway
	}
	flags := rtsock.FlagUp | rtsock.FlagStatic
	if gwValid {
		flags |= rtsock.FlagGateway
	}

	var payload []byte
	payload = w.AppendSockaddrInet(payload, r.Destination)
	if msgType == rtsock.MsgAdd {
		switch {
		case gwValid:
			payload = w.AppendSockaddrInet(payload, r.Gateway)
		case ifIndex != 0:
			payload = w.AppendSockaddrLink(payload, uint16(ifIndex))
		}
		payload = w.AppendSockaddrInet(payload, r.Mask())
	} else {
		if gwValid {
			payload = w.AppendSockaddrInet(payload, r.Gateway)
		}
		payload = w.AppendSockaddrInet(payload, r.Mask())
		if !gwValid && ifIndex != 0 {
			payload = w.AppendSockaddrLink(payload, uint16(ifIndex))
		}
	}

	req := &rtsock.Request{
		Type:    msgType,
		Index:   uint16(ifIndex),
		Flags:   flags,
		Addrs:   addrs,
		Pid:     os.Getpid(),
		Seq:     int(rtseq.Add(1)),
		Payload: payload,
	}
	return w.MarshalRequest(req), nil
}

func (rtsockOps) Listener() (eventSource, error) {
	fd, err := unix.Socket(unix.AF_ROUTE, unix.SOCK_RAW, unix.AF_UNSPEC)
	if err != nil {
		return nil, opError("listen", KindSystemCall, fmt.Errorf("open routing socket: %w", err))
	}
	var wake [2]int
	if err := unix.Pipe(wake[:]); err != nil {
		unix.Close(fd)
		return nil, opError("listen", KindSystemCall, fmt.Errorf("wakeup pipe: %w", err))
	}
	// Nonblocking so a drain or a spurious poll wakeup never sticks.
	_ = unix.SetNonblock(fd, true)
	_ = unix.SetNonblock(wake[0], true)
	return &rtsockSource{fd: fd, wakeR: wake[0], wakeW: wake[1]}, nil
}

// rtsockSource streams route changes from a PF_ROUTE socket, polling a
// wakeup pipe alongside it so waits can be interrupted. Only the
// consuming side touches fd and wakeR; wakeW is shared and guarded.
type rtsockSource struct {
	fd    int
	wakeR int

	mu    sync.Mutex
	wakeW int
	done  bool

	closeOnce sync.Once
}

func (s *rtsockSource) recvBatch() ([]RouteChange, error) {
	fds := []unix.PollFd{
		{Fd: int32(s.fd), Events: unix.POLLIN},
		{Fd: int32(s.wakeR), Events: unix.POLLIN},
	}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, opError("listen", KindSystemCall, err)
		}
		break
	}
	if fds[1].Revents != 0 {
		s.drainWake()
		if s.isDone() {
			return nil, errSourceClosed
		}
		return nil, errWake
	}

	buf := make([]byte, 4096)
	n, err := unix.Read(s.fd, buf)
	if err == unix.EAGAIN || err == unix.EINTR {
		return nil, errWake
	}
	if err != nil {
		return nil, opError("listen", KindSystemCall, err)
	}

	var batch []RouteChange
	err = rtsock.Native.ParseMessages(buf[:n], false, func(rr *rtsock.RIBRoute) {
		var kind ChangeKind
		switch rr.MsgType {
		case rtsock.MsgAdd:
			kind = ChangeAdd
		case rtsock.MsgDelete:
			kind = ChangeDelete
		case rtsock.MsgChange:
			kind = ChangeModify
		default:
			return
		}
		batch = append(batch, RouteChange{Kind: kind, Route: routeFromRIB(rr)})
	})
	if err != nil {
		return nil, opError("listen", KindProtocol, err)
	}
	return batch, nil
}

func (s *rtsockSource) drainWake() {
	var b [16]byte
	for {
		if n, err := unix.Read(s.wakeR, b[:]); err != nil || n <= 0 {
			return
		}
	}
}

func (s *rtsockSource) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *rtsockSource) signal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wakeW < 0 {
		return nil
	}
	_, err := unix.Write(s.wakeW, []byte{0})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (s *rtsockSource) wake() error {
	return s.signal()
}

func (s *rtsockSource) shutdown() error {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	return s.signal()
}

func (s *rtsockSource) close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.done = true
		if s.wakeW >= 0 {
			unix.Close(s.wakeW)
			s.wakeW = -1
		}
		s.mu.Unlock()
		unix.Close(s.wakeR)
		err = unix.Close(s.fd)
	})
	return err
}

func sysIfNameToIndex(name string) (uint32, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, err
	}
	return uint32(ifi.Index), nil
}

func sysIfIndexToName(index uint32) (string, error) {
	ifi, err := net.InterfaceByIndex(int(index))
	if err != nil {
		return "", err
	}
	return ifi.Name, nil
}
