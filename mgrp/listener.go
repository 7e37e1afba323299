package mgrp

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"syscall"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// mdnsHopLimit is the IP TTL / hop limit for outgoing mDNS datagrams, see RFC
// 6762, section 11.
const mdnsHopLimit = 255

// Conn is a UDP socket of a single family that reports packet info for every
// datagram.  Use ReadMsgUDPAddrPort and WriteMsgUDPAddrPort together with the
// family's DecodeInfo and EncodeInfo.
type Conn struct {
	*net.UDPConn

	fam Family
}

// Listen opens a socket of the given family bound to the wildcard address on
// port.  The socket shares the port with other sockets and is ready to have
// groups joined on it.
func Listen(ctx context.Context, fam Family, port int) (c *Conn, err error) {
	lc := &net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) (err error) {
			var opErr error
			err = rc.Control(func(fd uintptr) {
				opErr = setSockOpts(fam, fd)
			})

			return errors.WithDeferred(opErr, err)
		},
	}

	pc, err := lc.ListenPacket(ctx, fam.Network(), net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listening on %s port %d: %w", fam, port, err)
	}

	udp := pc.(*net.UDPConn)
	if fam.Network() == "udp4" {
		err = ipv4.NewPacketConn(udp).SetMulticastTTL(mdnsHopLimit)
	} else {
		err = ipv6.NewPacketConn(udp).SetMulticastHopLimit(mdnsHopLimit)
	}
	if err != nil {
		return nil, errors.WithDeferred(fmt.Errorf("setting multicast hop limit: %w", err), udp.Close())
	}

	return &Conn{
		UDPConn: udp,
		fam:     fam,
	}, nil
}

// Family returns the address family of c.
func (c *Conn) Family() (fam Family) { return c.fam }

// JoinGroup joins group on the interface with index ifIndex.
func (c *Conn) JoinGroup(group netip.Addr, ifIndex int) (err error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return fmt.Errorf("getting raw conn: %w", err)
	}

	var opErr error
	err = rc.Control(func(fd uintptr) {
		opErr = c.fam.JoinGroup(fd, group, ifIndex)
	})

	return errors.WithDeferred(opErr, err)
}

// ReadFromIface reads incoming UDP packets in a loop until one is addressed to
// group and was received on the interface with index ifIndex.  Datagrams
// without packet info are skipped.
func (c *Conn) ReadFromIface(
	b []byte,
	group netip.Addr,
	ifIndex int,
) (n int, src netip.AddrPort, err error) {
	oob := make([]byte, OOBSize)
	for {
		var oobn int
		n, oobn, _, src, err = c.ReadMsgUDPAddrPort(b, oob)
		if err != nil {
			return 0, netip.AddrPort{}, err
		}

		gotIndex, dst, decErr := c.fam.DecodeInfo(oob[:oobn])
		if decErr != nil || dst != group || gotIndex != ifIndex {
			continue
		}

		return n, src, nil
	}
}
