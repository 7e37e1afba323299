/*
Package mgrp implements interface-honed multicast UDP.

The Linux multicast API lets you join a multicast group on a specific interface,
but doesn't disambiguate received traffic based on the receiving interface.
This package sets up a single socket per address family that reports, for every
datagram, the interface it arrived on and the destination it was sent to, and
lets the caller pick the outgoing interface and source address for every
datagram it sends.
*/
package mgrp // import "go.jonnrb.io/mdns_repeater/v2/mgrp"

import (
	"fmt"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
)

// Well-known mDNS parameters.
const DefaultPort = 5353

var (
	// DefaultGroupIPv4 is the IPv4 mDNS multicast group.
	DefaultGroupIPv4 = netip.AddrFrom4([4]byte{224, 0, 0, 251})

	// DefaultGroupIPv6 is the link-local IPv6 mDNS multicast group.
	DefaultGroupIPv6 = netip.MustParseAddr("ff02::fb")
)

// OOBSize is the size of the control-message buffer to read datagrams with.
// It leaves room for the packet-info record plus any other records the kernel
// may attach.
const OOBSize = 128

const (
	// ErrNoInfo is returned by [Family.DecodeInfo] when the control-message
	// data carries no packet-info record of the family.
	ErrNoInfo errors.Error = "no packet info in control message"

	// ErrBadInfo is returned by [Family.DecodeInfo] when the control-message
	// data cannot be parsed.
	ErrBadInfo errors.Error = "malformed control message"
)

// Family is one of the two address families a multicast socket can use.  The
// only implementations are [IPv4] and [IPv6].
type Family interface {
	fmt.Stringer

	// Network returns the network name for the net package, "udp4" or
	// "udp6".
	Network() (network string)

	// Contains returns true if ip belongs to the family.
	Contains(ip netip.Addr) (ok bool)

	// CanSource returns true if ip may be picked automatically as the source
	// of datagrams sent from an interface.  IPv6 only allows link-local
	// addresses.
	CanSource(ip netip.Addr) (ok bool)

	// EnableDstInfo makes the kernel attach the receiving interface and the
	// original destination to every datagram read from fd.
	EnableDstInfo(fd uintptr) (err error)

	// JoinGroup joins group on the interface with index ifIndex.
	JoinGroup(fd uintptr, group netip.Addr, ifIndex int) (err error)

	// DecodeInfo extracts the receiving interface and the original destination
	// from the control-message data of a received datagram.  Records of other
	// kinds are skipped.
	DecodeInfo(oob []byte) (ifIndex int, dst netip.Addr, err error)

	// EncodeInfo returns control-message data that makes the kernel send a
	// datagram out of the interface with index ifIndex using src as the source
	// address.
	EncodeInfo(ifIndex int, src netip.Addr) (oob []byte)

	// isFamily keeps the set of implementations closed.
	isFamily()
}
