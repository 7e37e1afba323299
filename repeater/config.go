package repeater

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"slices"

	"github.com/AdguardTeam/golibs/errors"
	"go.jonnrb.io/mdns_repeater/v2/ifaddr"
	"go.jonnrb.io/mdns_repeater/v2/mgrp"
)

// ErrNoLocalAddress is returned when an interface has no address the repeater
// can send from.
const ErrNoLocalAddress errors.Error = "no local address to send from"

// Config is the configuration of a [Repeater].
type Config struct {
	// Logger is used to log the operation of the repeater.  It must not be
	// nil.
	Logger *slog.Logger

	// Metrics is used to collect statistics.  If nil, [EmptyMetrics] is used.
	Metrics Metrics

	// Family is the address family of the repeater.  It must not be nil.
	Family mgrp.Family

	// Addrs is the table of interface addresses the local addresses are
	// picked from.
	Addrs ifaddr.Table

	// ResolveInterface maps interface names to interfaces.  If nil,
	// [net.InterfaceByName] is used.
	ResolveInterface func(name string) (iface *net.Interface, err error)

	// Listen opens the socket.  If nil, [mgrp.Listen] is used.
	Listen func(ctx context.Context, fam mgrp.Family, port int) (c PacketConn, err error)

	// Sources maps interface names to the source addresses to use on them
	// instead of the ones picked from Addrs.  Every key must be present in
	// Interfaces.
	Sources map[string]string

	// Group is the multicast group of Family, e.g. "224.0.0.251".
	Group string

	// Interfaces are the names of the interfaces to repeat between.  There
	// must be at least two of them and no duplicates.
	Interfaces []string

	// Port is the UDP port to receive on and send to.
	Port int
}

// iface is a configured interface.
type iface struct {
	name string

	// local is the address datagrams are sent from on this interface.
	local netip.Addr

	// oob is the encoded packet info for sending out of this interface.
	oob []byte

	index int
}

// resolve validates c and resolves its interfaces and their local addresses.
// It does not touch any sockets.
func (c *Config) resolve() (group netip.Addr, ifaces []*iface, err error) {
	group, err = netip.ParseAddr(c.Group)
	if err != nil {
		return netip.Addr{}, nil, fmt.Errorf("bad multicast group: %w", err)
	} else if !group.IsMulticast() || !c.Family.Contains(group) {
		return netip.Addr{}, nil, fmt.Errorf("%s is not an %s multicast group", group, c.Family)
	} else if group.Zone() != "" {
		return netip.Addr{}, nil, fmt.Errorf("multicast group %s must not have a zone", group)
	}

	if c.Port <= 0 || c.Port > math.MaxUint16 {
		return netip.Addr{}, nil, fmt.Errorf("port %d out of range", c.Port)
	}

	if len(c.Interfaces) < 2 {
		return netip.Addr{}, nil, fmt.Errorf(
			"need at least two interfaces to repeat between, got %d",
			len(c.Interfaces),
		)
	}

	overrides, err := c.overrides()
	if err != nil {
		return netip.Addr{}, nil, err
	}

	resolveIface := c.ResolveInterface
	if resolveIface == nil {
		resolveIface = net.InterfaceByName
	}

	byIndex := make(map[int]string, len(c.Interfaces))
	for i, name := range c.Interfaces {
		if slices.Contains(c.Interfaces[:i], name) {
			return netip.Addr{}, nil, fmt.Errorf("interface %q: listed more than once", name)
		}

		var ni *net.Interface
		ni, err = resolveIface(name)
		if err != nil {
			return netip.Addr{}, nil, fmt.Errorf("interface %q: %w", name, err)
		}

		if prev, ok := byIndex[ni.Index]; ok {
			return netip.Addr{}, nil, fmt.Errorf("interface %q: same interface as %q", name, prev)
		}
		byIndex[ni.Index] = name

		local, ok := overrides[name]
		if !ok {
			local, err = c.localAddr(ni.Index)
			if err != nil {
				return netip.Addr{}, nil, fmt.Errorf("interface %q: %w", name, err)
			}
		}

		ifaces = append(ifaces, &iface{
			name:  name,
			local: local,
			index: ni.Index,
		})
	}

	return group, ifaces, nil
}

// overrides parses the source address overrides.
func (c *Config) overrides() (addrs map[string]netip.Addr, err error) {
	addrs = make(map[string]netip.Addr, len(c.Sources))
	for name, s := range c.Sources {
		if !slices.Contains(c.Interfaces, name) {
			return nil, fmt.Errorf("source override for %q: interface is not configured", name)
		}

		var ip netip.Addr
		ip, err = netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("source override for %q: %w", name, err)
		} else if !c.Family.Contains(ip) {
			return nil, fmt.Errorf("source override for %q: %s is not an %s address", name, ip, c.Family)
		}

		// Received source addresses are compared without zones.
		addrs[name] = ip.WithZone("")
	}

	return addrs, nil
}

// localAddr returns the first address of the interface with index ifIndex
// that the family allows as a source.
func (c *Config) localAddr(ifIndex int) (ip netip.Addr, err error) {
	for _, a := range c.Addrs.Lookup(ifIndex) {
		if c.Family.CanSource(a.IP) {
			return a.IP, nil
		}
	}

	if c.Family == mgrp.IPv6 {
		return netip.Addr{}, fmt.Errorf("no link-local ipv6 address: %w", ErrNoLocalAddress)
	}

	return netip.Addr{}, fmt.Errorf("no %s address: %w", c.Family, ErrNoLocalAddress)
}
