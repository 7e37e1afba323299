/*
Package ifaddr enumerates the addresses configured on the host's network
interfaces.

The table is loaded once at startup and treated as immutable afterwards:
interface addressing is assumed to be stable while the daemon runs.
*/
package ifaddr // import "go.jonnrb.io/mdns_repeater/v2/ifaddr"

import (
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// Addr is a single address configured on an interface.
type Addr struct {
	IP netip.Addr

	// Scope is the netlink scope of the address, e.g. unix.RT_SCOPE_LINK.
	Scope int
}

// Table maps interface indexes to the addresses configured on them, in the
// order the kernel reports them.
type Table map[int][]Addr

// Load builds a Table of every link on the host.
func Load() (t Table, err error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("listing network links: %w", err)
	}

	t = make(Table, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			return nil, fmt.Errorf("listing addrs on %q: %w", attrs.Name, err)
		}

		for _, a := range addrs {
			if a.IPNet == nil {
				continue
			}

			ip, ok := netip.AddrFromSlice(a.IPNet.IP)
			if !ok {
				continue
			}

			t[attrs.Index] = append(t[attrs.Index], Addr{
				IP:    ip.Unmap(),
				Scope: a.Scope,
			})
		}
	}

	return t, nil
}

// Lookup returns the addresses configured on the interface with the given
// index.  The returned slice must not be modified.
func (t Table) Lookup(ifIndex int) (addrs []Addr) {
	return t[ifIndex]
}

// IndexOf returns the index of an interface that has ip configured.
func (t Table) IndexOf(ip netip.Addr) (ifIndex int, ok bool) {
	ip = ip.Unmap().WithZone("")
	for idx, addrs := range t {
		for _, a := range addrs {
			if a.IP == ip {
				return idx, true
			}
		}
	}

	return 0, false
}
