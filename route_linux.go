//go:build linux

package routemanager

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/mdlayher/netlink"
	vnl "github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/tun-rs/route-manager/internal/nlmsg"
)

// aLongTimeAgo is a sentinel read deadline far in the past, used to kick
// a blocked netlink receive.
var aLongTimeAgo = time.Unix(1, 0)

type netlinkOps struct{}

func newSysOps() (sysOps, error) {
	return netlinkOps{}, nil
}

// Sockets are opened per operation, so there is nothing to release.
func (netlinkOps) Close() error { return nil }

func dialRoute(groups uint32) (*netlink.Conn, error) {
	conn, err := netlink.Dial(unix.NETLINK_ROUTE, &netlink.Config{Groups: groups})
	if err != nil {
		return nil, fmt.Errorf("dial netlink route socket: %w", err)
	}
	return conn, nil
}

// List dumps both address families. A family that fails to dump is
// tolerated as long as the other succeeds; only when both fail is the
// IPv4 error returned.
func (netlinkOps) List() ([]Route, error) {
	conn, err := dialRoute(0)
	if err != nil {
		return nil, opError("list", KindSystemCall, err)
	}
	defer conn.Close()

	v4, err4 := dumpFamily(conn, nlmsg.FamilyInet)
	v6, err6 := dumpFamily(conn, nlmsg.FamilyInet6)
	return mergeFamilies(v4, err4, v6, err6)
}

// mergeFamilies applies the dual-family dump policy to per-family
// results.
func mergeFamilies(v4 []Route, err4 error, v6 []Route, err6 error) ([]Route, error) {
	if err4 != nil && err6 != nil {
		return nil, err4
	}
	return append(v4, v6...), nil
}

func dumpFamily(conn *netlink.Conn, family uint8) ([]Route, error) {
	req := nlmsg.RouteMessage{Family: family}
	data, err := req.Marshal()
	if err != nil {
		return nil, opError("list", KindProtocol, err)
	}
	msgs, err := conn.Execute(netlink.Message{
		Header: netlink.Header{
			Type:  nlmsg.RTMGetRoute,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: data,
	})
	if err != nil {
		return nil, opError("list", KindSystemCall, err)
	}

	routes := make([]Route, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Header.Type != nlmsg.RTMNewRoute {
			continue
		}
		route, err := routeFromNetlink(msg.Data)
		if err != nil {
			return nil, opError("list", KindProtocol, err)
		}
		routes = append(routes, *route)
	}
	return routes, nil
}

func (netlinkOps) Add(route *Route) error {
	flags := netlink.Request | netlink.Acknowledge | netlink.Create | netlink.Excl
	return modifyRoute("add", route, nlmsg.RTMNewRoute, flags)
}

func (netlinkOps) Delete(route *Route) error {
	return modifyRoute("delete", route, nlmsg.RTMDelRoute, netlink.Request|netlink.Acknowledge)
}

func modifyRoute(op string, route *Route, typ netlink.HeaderType, flags netlink.HeaderFlags) error {
	if err := route.Validate(); err != nil {
		return opError(op, KindValidation, err)
	}
	msg, err := netlinkRoute(route)
	if err != nil {
		return opError(op, KindValidation, err)
	}
	data, err := msg.Marshal()
	if err != nil {
		return opError(op, KindProtocol, err)
	}

	conn, err := dialRoute(0)
	if err != nil {
		return opError(op, KindSystemCall, err)
	}
	defer conn.Close()

	_, err = conn.Execute(netlink.Message{
		Header: netlink.Header{Type: typ, Flags: flags},
		Data:   data,
	})
	if err != nil {
		return opError(op, KindSystemCall, err)
	}
	return nil
}

// netlinkRoute translates a Route into its wire message, applying the
// main-table fallback when no table is named.
func netlinkRoute(route *Route) (*nlmsg.RouteMessage, error) {
	family := uint8(nlmsg.FamilyInet)
	if route.Destination.Is6() {
		family = nlmsg.FamilyInet6
	}
	table := route.Table
	if table == 0 {
		table = nlmsg.RouteTableMain
	}
	ifIndex, err := route.ifIndex()
	if err != nil {
		return nil, err
	}
	return &nlmsg.RouteMessage{
		Family:   family,
		DstLen:   route.Prefix,
		SrcLen:   route.SourcePrefix,
		Table:    table,
		Dst:      route.Network(),
		Src:      route.Source,
		Gateway:  route.Gateway,
		PrefSrc:  route.PrefSource,
		OifIndex: ifIndex,
		Priority: route.Metric,
	}, nil
}

// routeFromNetlink decodes a route message body and backfills the
// interface name from the index when the interface still exists.
func routeFromNetlink(data []byte) (*Route, error) {
	msg, err := nlmsg.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	route := &Route{
		Destination:  msg.Dst,
		Prefix:       msg.DstLen,
		Gateway:      msg.Gateway,
		IfIndex:      msg.OifIndex,
		Metric:       msg.Priority,
		Table:        msg.Table,
		Source:       msg.Src,
		SourcePrefix: msg.SrcLen,
		PrefSource:   msg.PrefSrc,
	}
	if route.IfIndex != 0 {
		if name, err := sysIfIndexToName(route.IfIndex); err == nil {
			route.IfName = name
		}
	}
	return route, nil
}

func (netlinkOps) Listener() (eventSource, error) {
	conn, err := dialRoute(unix.RTMGRP_IPV4_ROUTE | unix.RTMGRP_IPV6_ROUTE)
	if err != nil {
		return nil, opError("listen", KindSystemCall, err)
	}
	return &netlinkSource{conn: conn}, nil
}

// netlinkSource streams route changes from a multicast-subscribed netlink
// socket. Wakeups work by driving the read deadline into the past. After
// a plain wake the deadline is re-armed; after shutdown it stays in the
// past so every later receive fails immediately.
type netlinkSource struct {
	conn *netlink.Conn
	done atomic.Bool
}

func (s *netlinkSource) recvBatch() ([]RouteChange, error) {
	msgs, err := s.conn.Receive()
	if err != nil {
		if !isDeadlineError(err) {
			return nil, opError("listen", KindSystemCall, err)
		}
		if s.done.Load() {
			return nil, errSourceClosed
		}
		if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
			return nil, opError("listen", KindSystemCall, err)
		}
		return nil, errWake
	}

	var batch []RouteChange
	for _, msg := range msgs {
		var kind ChangeKind
		switch msg.Header.Type {
		case nlmsg.RTMNewRoute:
			kind = ChangeAdd
		case nlmsg.RTMDelRoute:
			kind = ChangeDelete
		default:
			continue
		}
		route, err := routeFromNetlink(msg.Data)
		if err != nil {
			return nil, opError("listen", KindProtocol, err)
		}
		batch = append(batch, RouteChange{Kind: kind, Route: *route})
	}
	return batch, nil
}

func isDeadlineError(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *netlinkSource) wake() error {
	return s.conn.SetReadDeadline(aLongTimeAgo)
}

func (s *netlinkSource) shutdown() error {
	s.done.Store(true)
	return s.conn.SetReadDeadline(aLongTimeAgo)
}

func (s *netlinkSource) close() error {
	return s.conn.Close()
}

func sysIfNameToIndex(name string) (uint32, error) {
	link, err := vnl.LinkByName(name)
	if err != nil {
		return 0, err
	}
	return uint32(link.Attrs().Index), nil
}

func sysIfIndexToName(index uint32) (string, error) {
	link, err := vnl.LinkByIndex(int(index))
	if err != nil {
		return "", err
	}
	return link.Attrs().Name, nil
}
