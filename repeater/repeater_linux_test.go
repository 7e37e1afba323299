//go:build linux

package repeater_test

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.jonnrb.io/mdns_repeater/v2/ifaddr"
	"go.jonnrb.io/mdns_repeater/v2/mgrp"
	"go.jonnrb.io/mdns_repeater/v2/repeater"
	"golang.org/x/sys/unix"
)

// testTimeout is the common timeout for tests.
const testTimeout = 1 * time.Second

// errReadsDone is returned by fakeConn once all queued datagrams are read.
const errReadsDone errors.Error = "no more datagrams"

// Interface indexes of the test interfaces.
const (
	idxEth0  = 2
	idxWlan0 = 3
	idxEth1  = 4
	idxOther = 9
)

var (
	group4 = mgrp.DefaultGroupIPv4
	group6 = mgrp.DefaultGroupIPv6

	eth0Addr4  = netip.MustParseAddr("10.0.0.2")
	wlan0Addr4 = netip.MustParseAddr("10.0.1.2")
	eth1Addr4  = netip.MustParseAddr("10.0.2.2")

	eth0Addr6  = netip.MustParseAddr("fe80::2")
	wlan0Addr6 = netip.MustParseAddr("fe80::3")
)

// testIfaces are the interfaces known to testResolve.
var testIfaces = map[string]*net.Interface{
	"eth0":  {Index: idxEth0, Name: "eth0"},
	"wlan0": {Index: idxWlan0, Name: "wlan0"},
	"eth1":  {Index: idxEth1, Name: "eth1"},
	"bare":  {Index: 10, Name: "bare"},
	"v6g":   {Index: 11, Name: "v6g"},
}

// testAddrs is the address table of testIfaces.
var testAddrs = ifaddr.Table{
	idxEth0: {
		{IP: eth0Addr4},
		{IP: netip.MustParseAddr("2001:db8::2")},
		{IP: eth0Addr6},
	},
	idxWlan0: {
		{IP: wlan0Addr4},
		{IP: wlan0Addr6},
	},
	idxEth1: {
		{IP: eth1Addr4},
	},
	11: {
		{IP: netip.MustParseAddr("2001:db8::11")},
	},
}

// testResolve is the [repeater.Config.ResolveInterface] for tests.
func testResolve(name string) (iface *net.Interface, err error) {
	iface, ok := testIfaces[name]
	if !ok {
		return nil, errors.Error("no such network interface")
	}

	return iface, nil
}

// inbound is a datagram read from a fakeConn.
type inbound struct {
	payload []byte
	oob     []byte
	src     netip.AddrPort
}

// outbound is a datagram written to a fakeConn.
type outbound struct {
	payload []byte
	dst     netip.AddrPort
	src     netip.Addr
	ifIndex int
}

// fakeConn is a [repeater.PacketConn] for tests.
type fakeConn struct {
	fam      mgrp.Family
	reads    chan *inbound
	closed   chan struct{}
	sendErrs map[int]error
	joinErr  error

	mu     sync.Mutex
	sent   []*outbound
	joined []int

	closeOnce sync.Once
}

// type check
var _ repeater.PacketConn = (*fakeConn)(nil)

func newFakeConn(fam mgrp.Family) (c *fakeConn) {
	return &fakeConn{
		fam:      fam,
		reads:    make(chan *inbound, 16),
		closed:   make(chan struct{}),
		sendErrs: map[int]error{},
	}
}

// ReadMsgUDPAddrPort implements the [repeater.PacketConn] interface for
// *fakeConn.
func (c *fakeConn) ReadMsgUDPAddrPort(
	b []byte,
	oob []byte,
) (n, oobn, flags int, addr netip.AddrPort, err error) {
	select {
	case p, ok := <-c.reads:
		if !ok {
			return 0, 0, 0, netip.AddrPort{}, errReadsDone
		}

		return copy(b, p.payload), copy(oob, p.oob), 0, p.src, nil
	case <-c.closed:
		return 0, 0, 0, netip.AddrPort{}, net.ErrClosed
	}
}

// WriteMsgUDPAddrPort implements the [repeater.PacketConn] interface for
// *fakeConn.
func (c *fakeConn) WriteMsgUDPAddrPort(
	b []byte,
	oob []byte,
	addr netip.AddrPort,
) (n, oobn int, err error) {
	ifIndex, src := sentInfo(c.fam, oob)
	if err = c.sendErrs[ifIndex]; err != nil {
		return 0, 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sent = append(c.sent, &outbound{
		payload: append([]byte{}, b...),
		dst:     addr,
		src:     src,
		ifIndex: ifIndex,
	})

	return len(b), len(oob), nil
}

// JoinGroup implements the [repeater.PacketConn] interface for *fakeConn.
func (c *fakeConn) JoinGroup(_ netip.Addr, ifIndex int) (err error) {
	if c.joinErr != nil {
		return c.joinErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.joined = append(c.joined, ifIndex)

	return nil
}

// Close implements the [repeater.PacketConn] interface for *fakeConn.
func (c *fakeConn) Close() (err error) {
	err = net.ErrClosed
	c.closeOnce.Do(func() {
		close(c.closed)
		err = nil
	})

	return err
}

// isClosed returns true if c has been closed.
func (c *fakeConn) isClosed() (ok bool) {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// push queues a datagram received on ifIndex, sent from src to dst.
func (c *fakeConn) push(payload string, ifIndex int, src, dst netip.Addr) {
	var oob []byte
	if c.fam == mgrp.IPv4 {
		oob = unix.PktInfo4(&unix.Inet4Pktinfo{
			Ifindex: int32(ifIndex),
			Addr:    dst.As4(),
		})
	} else {
		oob = unix.PktInfo6(&unix.Inet6Pktinfo{
			Ifindex: uint32(ifIndex),
			Addr:    dst.As16(),
		})
	}

	c.reads <- &inbound{
		payload: []byte(payload),
		oob:     oob,
		src:     netip.AddrPortFrom(src, mgrp.DefaultPort),
	}
}

// sentInfo decodes the packet info of an outgoing datagram.
func sentInfo(fam mgrp.Family, oob []byte) (ifIndex int, src netip.Addr) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil || len(msgs) != 1 {
		return 0, netip.Addr{}
	}

	data := msgs[0].Data
	if fam == mgrp.IPv4 {
		return int(binary.NativeEndian.Uint32(data[0:4])), netip.AddrFrom4([4]byte(data[4:8]))
	}

	return int(binary.NativeEndian.Uint32(data[16:20])), netip.AddrFrom16([16]byte(data[0:16]))
}

// testMetrics is a [repeater.Metrics] that counts calls.
type testMetrics struct {
	dropped    map[repeater.DropReason]int
	relayed    map[string]int
	sendErrors map[string]int
	received   int
}

// type check
var _ repeater.Metrics = (*testMetrics)(nil)

func newTestMetrics() (m *testMetrics) {
	return &testMetrics{
		dropped:    map[repeater.DropReason]int{},
		relayed:    map[string]int{},
		sendErrors: map[string]int{},
	}
}

// IncrementReceived implements the [repeater.Metrics] interface for
// *testMetrics.
func (m *testMetrics) IncrementReceived(_ context.Context) { m.received++ }

// IncrementDropped implements the [repeater.Metrics] interface for
// *testMetrics.
func (m *testMetrics) IncrementDropped(_ context.Context, reason repeater.DropReason) {
	m.dropped[reason]++
}

// IncrementRelayed implements the [repeater.Metrics] interface for
// *testMetrics.
func (m *testMetrics) IncrementRelayed(_ context.Context, iface string) { m.relayed[iface]++ }

// IncrementSendErrors implements the [repeater.Metrics] interface for
// *testMetrics.
func (m *testMetrics) IncrementSendErrors(_ context.Context, iface string) {
	m.sendErrors[iface]++
}

// newTestConfig returns a configuration that uses conn and counts the calls
// to Listen in listenCalls.
func newTestConfig(
	fam mgrp.Family,
	conn *fakeConn,
	listenCalls *int,
	ifaces ...string,
) (c *repeater.Config) {
	group := group4
	if fam == mgrp.IPv6 {
		group = group6
	}

	return &repeater.Config{
		Logger:           slogutil.NewDiscardLogger(),
		Family:           fam,
		Addrs:            testAddrs,
		ResolveInterface: testResolve,
		Listen: func(
			_ context.Context,
			_ mgrp.Family,
			_ int,
		) (pc repeater.PacketConn, err error) {
			*listenCalls++

			return conn, nil
		},
		Group:      group.String(),
		Interfaces: ifaces,
		Port:       mgrp.DefaultPort,
	}
}

// newTestRepeater returns a repeater over a fake conn and the test metrics.
func newTestRepeater(
	t *testing.T,
	fam mgrp.Family,
	sources map[string]string,
	ifaces ...string,
) (r *repeater.Repeater, conn *fakeConn, m *testMetrics) {
	t.Helper()

	conn = newFakeConn(fam)
	m = newTestMetrics()

	var listenCalls int
	c := newTestConfig(fam, conn, &listenCalls, ifaces...)
	c.Metrics = m
	c.Sources = sources

	r, err := repeater.New(testutil.ContextWithTimeout(t, testTimeout), c)
	require.NoError(t, err)
	require.Equal(t, 1, listenCalls)

	return r, conn, m
}

// runUntilDrained runs r until conn has no more datagrams.
func runUntilDrained(t *testing.T, r *repeater.Repeater, conn *fakeConn) {
	t.Helper()

	close(conn.reads)

	err := r.Run(testutil.ContextWithTimeout(t, testTimeout))
	require.ErrorIs(t, err, errReadsDone)
}

func TestRepeater_scenario(t *testing.T) {
	r, conn, m := newTestRepeater(t, mgrp.IPv4, nil, "eth0", "wlan0")
	assert.Equal(t, []int{idxEth0, idxWlan0}, conn.joined)

	conn.push("QUERY", idxEth0, netip.MustParseAddr("10.0.0.9"), group4)
	runUntilDrained(t, r, conn)

	require.Len(t, conn.sent, 1)

	got := conn.sent[0]
	assert.Equal(t, []byte("QUERY"), got.payload)
	assert.Equal(t, netip.AddrPortFrom(group4, 5353), got.dst)
	assert.Equal(t, idxWlan0, got.ifIndex)
	assert.Equal(t, wlan0Addr4, got.src)

	assert.Equal(t, 1, m.received)
	assert.Equal(t, map[string]int{"wlan0": 1}, m.relayed)
}

func TestRepeater_selfOrigin(t *testing.T) {
	r, conn, m := newTestRepeater(t, mgrp.IPv4, nil, "eth0", "wlan0")

	conn.push("QUERY", idxEth0, eth0Addr4, group4)
	runUntilDrained(t, r, conn)

	assert.Empty(t, conn.sent)
	assert.Equal(t, 1, m.dropped[repeater.DropReasonSelf])
}

func TestRepeater_notGroup(t *testing.T) {
	r, conn, m := newTestRepeater(t, mgrp.IPv4, nil, "eth0", "wlan0", "eth1")

	conn.push("QUERY", idxEth0, netip.MustParseAddr("10.0.0.9"), eth0Addr4)
	conn.push("QUERY", idxEth0, netip.MustParseAddr("10.0.0.9"), netip.MustParseAddr("224.0.0.252"))
	runUntilDrained(t, r, conn)

	assert.Empty(t, conn.sent)
	assert.Equal(t, 2, m.dropped[repeater.DropReasonNotGroup])
}

func TestRepeater_unknownIface(t *testing.T) {
	r, conn, m := newTestRepeater(t, mgrp.IPv4, nil, "eth0", "wlan0")

	conn.push("QUERY", idxOther, netip.MustParseAddr("10.0.9.9"), group4)
	runUntilDrained(t, r, conn)

	assert.Empty(t, conn.sent)
	assert.Equal(t, 1, m.dropped[repeater.DropReasonUnknownIface])
}

func TestRepeater_fanOut(t *testing.T) {
	r, conn, _ := newTestRepeater(t, mgrp.IPv4, nil, "eth0", "wlan0", "eth1")

	conn.push("ANSWER", idxWlan0, netip.MustParseAddr("10.0.1.9"), group4)
	runUntilDrained(t, r, conn)

	gotIfaces := map[int]netip.Addr{}
	for _, s := range conn.sent {
		_, dup := gotIfaces[s.ifIndex]
		require.False(t, dup, "sent twice on %d", s.ifIndex)

		gotIfaces[s.ifIndex] = s.src
		assert.Equal(t, []byte("ANSWER"), s.payload)
	}

	assert.Equal(t, map[int]netip.Addr{
		idxEth0: eth0Addr4,
		idxEth1: eth1Addr4,
	}, gotIfaces)
}

func TestRepeater_loopTermination(t *testing.T) {
	r, conn, m := newTestRepeater(t, mgrp.IPv4, nil, "eth0", "wlan0")

	conn.push("QUERY", idxEth0, netip.MustParseAddr("10.0.0.9"), group4)

	// The kernel loops the repeated datagram back to the socket.
	conn.push("QUERY", idxWlan0, wlan0Addr4, group4)
	runUntilDrained(t, r, conn)

	require.Len(t, conn.sent, 1)
	assert.Equal(t, idxWlan0, conn.sent[0].ifIndex)
	assert.Equal(t, 1, m.dropped[repeater.DropReasonSelf])
}

func TestRepeater_decodeFailure(t *testing.T) {
	r, conn, m := newTestRepeater(t, mgrp.IPv4, nil, "eth0", "wlan0")

	conn.reads <- &inbound{
		payload: []byte("QUERY"),
		oob:     nil,
		src:     netip.MustParseAddrPort("10.0.0.9:5353"),
	}
	conn.push("QUERY", idxEth0, netip.MustParseAddr("10.0.0.9"), group4)
	runUntilDrained(t, r, conn)

	assert.Len(t, conn.sent, 1)
	assert.Equal(t, 2, m.received)
	assert.Equal(t, 1, m.dropped[repeater.DropReasonDecode])
}

func TestRepeater_sendFailure(t *testing.T) {
	r, conn, m := newTestRepeater(t, mgrp.IPv4, nil, "eth0", "wlan0", "eth1")
	conn.sendErrs[idxWlan0] = errors.Error("network is down")

	conn.push("QUERY", idxEth0, netip.MustParseAddr("10.0.0.9"), group4)
	conn.push("QUERY", idxEth1, netip.MustParseAddr("10.0.2.9"), group4)
	runUntilDrained(t, r, conn)

	require.Len(t, conn.sent, 2)
	assert.Equal(t, idxEth1, conn.sent[0].ifIndex)
	assert.Equal(t, idxEth0, conn.sent[1].ifIndex)

	assert.Equal(t, map[string]int{"wlan0": 2}, m.sendErrors)
	assert.Equal(t, map[string]int{"eth0": 1, "eth1": 1}, m.relayed)
}

func TestRepeater_sourceOverride(t *testing.T) {
	override := netip.MustParseAddr("192.0.2.1")
	r, conn, _ := newTestRepeater(
		t,
		mgrp.IPv4,
		map[string]string{"wlan0": override.String()},
		"eth0",
		"wlan0",
	)

	conn.push("QUERY", idxEth0, netip.MustParseAddr("10.0.0.9"), group4)

	// Own datagrams are recognized by the override too.
	conn.push("QUERY", idxWlan0, override, group4)
	runUntilDrained(t, r, conn)

	require.Len(t, conn.sent, 1)
	assert.Equal(t, override, conn.sent[0].src)
}

func TestRepeater_sourceOverrideZoned(t *testing.T) {
	r, conn, m := newTestRepeater(
		t,
		mgrp.IPv6,
		map[string]string{"wlan0": "fe80::99%wlan0"},
		"eth0",
		"wlan0",
	)

	override := netip.MustParseAddr("fe80::99")

	conn.push("QUERY", idxEth0, netip.MustParseAddr("fe80::9").WithZone("eth0"), group6)

	// The looped-back copy of the datagram sent above.
	conn.push("QUERY", idxWlan0, override.WithZone("wlan0"), group6)
	runUntilDrained(t, r, conn)

	require.Len(t, conn.sent, 1)

	got := conn.sent[0]
	assert.Equal(t, idxWlan0, got.ifIndex)
	assert.Equal(t, override, got.src)

	assert.Equal(t, 1, m.dropped[repeater.DropReasonSelf])
}

func TestRepeater_ipv6(t *testing.T) {
	r, conn, m := newTestRepeater(t, mgrp.IPv6, nil, "eth0", "wlan0")

	conn.push("QUERY", idxEth0, netip.MustParseAddr("fe80::9").WithZone("eth0"), group6)
	conn.push("QUERY", idxWlan0, wlan0Addr6.WithZone("wlan0"), group6)
	runUntilDrained(t, r, conn)

	require.Len(t, conn.sent, 1)

	got := conn.sent[0]
	assert.Equal(t, idxWlan0, got.ifIndex)
	assert.Equal(t, wlan0Addr6, got.src)
	assert.Equal(t, netip.AddrPortFrom(group6, 5353), got.dst)

	assert.Equal(t, 1, m.dropped[repeater.DropReasonSelf])
}

func TestNew_errors(t *testing.T) {
	testCases := []struct {
		wantErr error
		sources map[string]string
		fam     mgrp.Family
		name    string
		group   string
		wantMsg string
		ifaces  []string
		port    int
	}{{
		wantErr: repeater.ErrNoLocalAddress,
		sources: nil,
		fam:     mgrp.IPv4,
		name:    "no_ipv4_address",
		group:   "",
		wantMsg: `interface "bare": no ipv4 address: no local address to send from`,
		ifaces:  []string{"eth0", "bare"},
		port:    0,
	}, {
		wantErr: repeater.ErrNoLocalAddress,
		sources: nil,
		fam:     mgrp.IPv6,
		name:    "no_link_local",
		group:   "",
		wantMsg: `interface "v6g": no link-local ipv6 address: no local address to send from`,
		ifaces:  []string{"eth0", "v6g"},
		port:    0,
	}, {
		wantErr: nil,
		sources: nil,
		fam:     mgrp.IPv4,
		name:    "unknown_iface",
		group:   "",
		wantMsg: `interface "nope": no such network interface`,
		ifaces:  []string{"eth0", "nope"},
		port:    0,
	}, {
		wantErr: nil,
		sources: nil,
		fam:     mgrp.IPv4,
		name:    "duplicate_iface",
		group:   "",
		wantMsg: `interface "eth0": listed more than once`,
		ifaces:  []string{"eth0", "wlan0", "eth0"},
		port:    0,
	}, {
		wantErr: nil,
		sources: nil,
		fam:     mgrp.IPv4,
		name:    "single_iface",
		group:   "",
		wantMsg: "need at least two interfaces to repeat between, got 1",
		ifaces:  []string{"eth0"},
		port:    0,
	}, {
		wantErr: nil,
		sources: map[string]string{"eth1": "10.0.2.3"},
		fam:     mgrp.IPv4,
		name:    "override_unconfigured",
		group:   "",
		wantMsg: `source override for "eth1": interface is not configured`,
		ifaces:  []string{"eth0", "wlan0"},
		port:    0,
	}, {
		wantErr: nil,
		sources: map[string]string{"wlan0": "fe80::1"},
		fam:     mgrp.IPv4,
		name:    "override_wrong_family",
		group:   "",
		wantMsg: `source override for "wlan0": fe80::1 is not an ipv4 address`,
		ifaces:  []string{"eth0", "wlan0"},
		port:    0,
	}, {
		wantErr: nil,
		sources: nil,
		fam:     mgrp.IPv4,
		name:    "unicast_group",
		group:   "10.0.0.1",
		wantMsg: "10.0.0.1 is not an ipv4 multicast group",
		ifaces:  []string{"eth0", "wlan0"},
		port:    0,
	}, {
		wantErr: nil,
		sources: nil,
		fam:     mgrp.IPv6,
		name:    "wrong_family_group",
		group:   "224.0.0.251",
		wantMsg: "224.0.0.251 is not an ipv6 multicast group",
		ifaces:  []string{"eth0", "wlan0"},
		port:    0,
	}, {
		wantErr: nil,
		sources: nil,
		fam:     mgrp.IPv4,
		name:    "bad_port",
		group:   "",
		wantMsg: "port 65536 out of range",
		ifaces:  []string{"eth0", "wlan0"},
		port:    65536,
	}, {
		wantErr: nil,
		sources: nil,
		fam:     mgrp.IPv6,
		name:    "zoned_group",
		group:   "ff02::fb%eth0",
		wantMsg: "multicast group ff02::fb%eth0 must not have a zone",
		ifaces:  []string{"eth0", "wlan0"},
		port:    0,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var listenCalls int
			c := newTestConfig(tc.fam, newFakeConn(tc.fam), &listenCalls, tc.ifaces...)
			c.Sources = tc.sources
			if tc.group != "" {
				c.Group = tc.group
			}
			if tc.port != 0 {
				c.Port = tc.port
			}

			r, err := repeater.New(testutil.ContextWithTimeout(t, testTimeout), c)
			require.Error(t, err)

			assert.Nil(t, r)
			assert.Equal(t, tc.wantMsg, err.Error())
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}

			assert.Zero(t, listenCalls)
		})
	}
}

func TestNew_joinError(t *testing.T) {
	conn := newFakeConn(mgrp.IPv4)
	conn.joinErr = errors.Error("no such device")

	var listenCalls int
	c := newTestConfig(mgrp.IPv4, conn, &listenCalls, "eth0", "wlan0")

	_, err := repeater.New(testutil.ContextWithTimeout(t, testTimeout), c)
	require.Error(t, err)

	assert.ErrorIs(t, err, conn.joinErr)
	assert.Contains(t, err.Error(), `on interface "eth0"`)
	assert.True(t, conn.isClosed())
}

func TestRepeater_StartWait(t *testing.T) {
	r, conn, _ := newTestRepeater(t, mgrp.IPv4, nil, "eth0", "wlan0")

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	conn.push("QUERY", idxEth0, netip.MustParseAddr("10.0.0.9"), group4)
	require.Eventually(t, func() (ok bool) {
		conn.mu.Lock()
		defer conn.mu.Unlock()

		return len(conn.sent) == 1
	}, testTimeout, testTimeout/100)

	cancel()

	err := r.Wait()
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, conn.isClosed())

	assert.NoError(t, r.Close())
}
