//go:build !linux

package mgrp

import (
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
)

// errUnsupported is returned by the socket operations on platforms other than
// Linux, which lack the ip_mreqn and in_pktinfo semantics relied upon here.
const errUnsupported errors.Error = "packet info sockets are only supported on linux"

var (
	// IPv4 is the IPv4 family.
	IPv4 Family = unsupportedFamily{network: "udp4"}

	// IPv6 is the IPv6 family.
	IPv6 Family = unsupportedFamily{network: "udp6"}
)

type unsupportedFamily struct {
	network string
}

// type check
var _ Family = unsupportedFamily{}

func (unsupportedFamily) isFamily() {}

// String implements the [Family] interface for unsupportedFamily.
func (f unsupportedFamily) String() (s string) {
	if f.network == "udp4" {
		return "ipv4"
	}

	return "ipv6"
}

// Network implements the [Family] interface for unsupportedFamily.
func (f unsupportedFamily) Network() (network string) { return f.network }

// Contains implements the [Family] interface for unsupportedFamily.
func (f unsupportedFamily) Contains(ip netip.Addr) (ok bool) {
	if f.network == "udp4" {
		return ip.Is4()
	}

	return ip.Is6() && !ip.Is4In6()
}

// CanSource implements the [Family] interface for unsupportedFamily.
func (f unsupportedFamily) CanSource(ip netip.Addr) (ok bool) {
	return f.Contains(ip) && (ip.Is4() || ip.IsLinkLocalUnicast())
}

// EnableDstInfo implements the [Family] interface for unsupportedFamily.
func (unsupportedFamily) EnableDstInfo(_ uintptr) (err error) { return errUnsupported }

// JoinGroup implements the [Family] interface for unsupportedFamily.
func (unsupportedFamily) JoinGroup(_ uintptr, _ netip.Addr, _ int) (err error) {
	return errUnsupported
}

// DecodeInfo implements the [Family] interface for unsupportedFamily.
func (unsupportedFamily) DecodeInfo(_ []byte) (ifIndex int, dst netip.Addr, err error) {
	return 0, netip.Addr{}, errUnsupported
}

// EncodeInfo implements the [Family] interface for unsupportedFamily.
func (unsupportedFamily) EncodeInfo(_ int, _ netip.Addr) (oob []byte) { return nil }

// setSockOpts implements the Control part of [Listen].
func setSockOpts(_ Family, _ uintptr) (err error) { return errUnsupported }
