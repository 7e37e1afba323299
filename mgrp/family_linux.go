//go:build linux

package mgrp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

var (
	// IPv4 is the IPv4 family.  It uses IP_PKTINFO records with the 12-byte
	// in_pktinfo structure and joins groups with the 12-byte ip_mreqn
	// structure.
	IPv4 Family = ipv4Family{}

	// IPv6 is the IPv6 family.  It uses IPV6_PKTINFO records with the 20-byte
	// in6_pktinfo structure and joins groups with the 20-byte ipv6_mreq
	// structure.
	IPv6 Family = ipv6Family{}
)

type ipv4Family struct{}

// type check
var _ Family = ipv4Family{}

func (ipv4Family) isFamily() {}

// String implements the [Family] interface for ipv4Family.
func (ipv4Family) String() (s string) { return "ipv4" }

// Network implements the [Family] interface for ipv4Family.
func (ipv4Family) Network() (network string) { return "udp4" }

// Contains implements the [Family] interface for ipv4Family.
func (ipv4Family) Contains(ip netip.Addr) (ok bool) { return ip.Is4() }

// CanSource implements the [Family] interface for ipv4Family.
func (ipv4Family) CanSource(ip netip.Addr) (ok bool) { return ip.Is4() }

// EnableDstInfo implements the [Family] interface for ipv4Family.
func (ipv4Family) EnableDstInfo(fd uintptr) (err error) {
	err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_PKTINFO, 1)

	return os.NewSyscallError("setsockopt IP_PKTINFO", err)
}

// JoinGroup implements the [Family] interface for ipv4Family.
func (ipv4Family) JoinGroup(fd uintptr, group netip.Addr, ifIndex int) (err error) {
	if !group.Is4() {
		return fmt.Errorf("group %s is not ipv4", group)
	}

	// The local address stays INADDR_ANY, the index picks the interface.
	mreq := &unix.IPMreqn{
		Multiaddr: group.As4(),
		Ifindex:   int32(ifIndex),
	}
	err = unix.SetsockoptIPMreqn(int(fd), unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)

	return os.NewSyscallError("setsockopt IP_ADD_MEMBERSHIP", err)
}

// DecodeInfo implements the [Family] interface for ipv4Family.
func (ipv4Family) DecodeInfo(oob []byte) (ifIndex int, dst netip.Addr, err error) {
	data, err := findRecord(oob, unix.IPPROTO_IP, unix.IP_PKTINFO, unix.SizeofInet4Pktinfo)
	if err != nil {
		return 0, netip.Addr{}, err
	}

	// struct in_pktinfo { int ipi_ifindex; in_addr ipi_spec_dst; in_addr ipi_addr; }
	ifIndex = int(binary.NativeEndian.Uint32(data[0:4]))
	dst = netip.AddrFrom4([4]byte(data[8:12]))

	return ifIndex, dst, nil
}

// EncodeInfo implements the [Family] interface for ipv4Family.
func (ipv4Family) EncodeInfo(ifIndex int, src netip.Addr) (oob []byte) {
	pi := &unix.Inet4Pktinfo{
		Ifindex: int32(ifIndex),
	}
	if src.Is4() {
		pi.Spec_dst = src.As4()
	}

	return unix.PktInfo4(pi)
}

type ipv6Family struct{}

// type check
var _ Family = ipv6Family{}

func (ipv6Family) isFamily() {}

// String implements the [Family] interface for ipv6Family.
func (ipv6Family) String() (s string) { return "ipv6" }

// Network implements the [Family] interface for ipv6Family.
func (ipv6Family) Network() (network string) { return "udp6" }

// Contains implements the [Family] interface for ipv6Family.
func (ipv6Family) Contains(ip netip.Addr) (ok bool) { return ip.Is6() && !ip.Is4In6() }

// CanSource implements the [Family] interface for ipv6Family.
func (f ipv6Family) CanSource(ip netip.Addr) (ok bool) {
	return f.Contains(ip) && ip.IsLinkLocalUnicast()
}

// EnableDstInfo implements the [Family] interface for ipv6Family.
func (ipv6Family) EnableDstInfo(fd uintptr) (err error) {
	err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1)

	return os.NewSyscallError("setsockopt IPV6_RECVPKTINFO", err)
}

// JoinGroup implements the [Family] interface for ipv6Family.
func (f ipv6Family) JoinGroup(fd uintptr, group netip.Addr, ifIndex int) (err error) {
	if !f.Contains(group) {
		return fmt.Errorf("group %s is not ipv6", group)
	}

	mreq := &unix.IPv6Mreq{
		Multiaddr: group.As16(),
		Interface: uint32(ifIndex),
	}
	err = unix.SetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq)

	return os.NewSyscallError("setsockopt IPV6_JOIN_GROUP", err)
}

// DecodeInfo implements the [Family] interface for ipv6Family.
func (ipv6Family) DecodeInfo(oob []byte) (ifIndex int, dst netip.Addr, err error) {
	data, err := findRecord(oob, unix.IPPROTO_IPV6, unix.IPV6_PKTINFO, unix.SizeofInet6Pktinfo)
	if err != nil {
		return 0, netip.Addr{}, err
	}

	// struct in6_pktinfo { in6_addr ipi6_addr; unsigned int ipi6_ifindex; }
	dst = netip.AddrFrom16([16]byte(data[0:16]))
	ifIndex = int(binary.NativeEndian.Uint32(data[16:20]))

	return ifIndex, dst, nil
}

// EncodeInfo implements the [Family] interface for ipv6Family.
func (ipv6Family) EncodeInfo(ifIndex int, src netip.Addr) (oob []byte) {
	pi := &unix.Inet6Pktinfo{
		Ifindex: uint32(ifIndex),
	}
	if src.Is6() {
		pi.Addr = src.As16()
	}

	return unix.PktInfo6(pi)
}

// findRecord returns the data of the first control message with the given
// level and type.
func findRecord(oob []byte, level, typ int32, size int) (data []byte, err error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadInfo, err)
	}

	for _, m := range msgs {
		if m.Header.Level != level || m.Header.Type != typ {
			continue
		}

		if len(m.Data) < size {
			return nil, fmt.Errorf("%w: packet info is %d bytes, want %d", ErrBadInfo, len(m.Data), size)
		}

		return m.Data, nil
	}

	return nil, ErrNoInfo
}
