/*
Package repeater repeats multicast datagrams received on one network interface
to every other configured interface.

A Repeater serves a single address family.  It owns one socket joined to the
multicast group on every configured interface.  Every datagram addressed to
the group is sent unmodified out of all the other interfaces, using each
interface's own address as the source.
*/
package repeater // import "go.jonnrb.io/mdns_repeater/v2/repeater"

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"go.jonnrb.io/mdns_repeater/v2/mgrp"
)

// MaxPacketSize is the size of the largest datagram repeated in full.  Larger
// ones are truncated by the kernel on receive.
const MaxPacketSize = 9000

// decodeFailuresWarnLimit is the number of consecutive datagrams without
// usable packet info after which a warning is logged.
const decodeFailuresWarnLimit = 64

// PacketConn is the socket a [Repeater] reads from and writes to.
type PacketConn interface {
	ReadMsgUDPAddrPort(b, oob []byte) (n, oobn, flags int, addr netip.AddrPort, err error)
	WriteMsgUDPAddrPort(b, oob []byte, addr netip.AddrPort) (n, oobn int, err error)
	JoinGroup(group netip.Addr, ifIndex int) (err error)
	Close() (err error)
}

// type check
var _ PacketConn = (*mgrp.Conn)(nil)

// Repeater repeats multicast datagrams of one address family between network
// interfaces.
type Repeater struct {
	logger  *slog.Logger
	metrics Metrics
	conn    PacketConn
	fam     mgrp.Family

	// ifaces is keyed by interface index.
	ifaces map[int]*iface
	peers  graph

	// done is closed when the goroutine started by Start exits, err is the
	// error it returned.
	done chan struct{}
	err  error

	group netip.Addr
	dst   netip.AddrPort

	// decodeFailures is the number of consecutive datagrams that could not be
	// decoded.
	decodeFailures uint
}

// New resolves the configured interfaces, opens the socket, and joins the
// group on every interface.  Any failure is returned before a socket is opened
// or with the socket closed again.  c must not be nil.
func New(ctx context.Context, c *Config) (r *Repeater, err error) {
	group, ifaces, err := c.resolve()
	if err != nil {
		return nil, err
	}

	listen := c.Listen
	if listen == nil {
		listen = listenMgrp
	}

	conn, err := listen(ctx, c.Family, c.Port)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = errors.WithDeferred(err, conn.Close())
		}
	}()

	metrics := c.Metrics
	if metrics == nil {
		metrics = EmptyMetrics{}
	}

	r = &Repeater{
		logger:  c.Logger,
		metrics: metrics,
		conn:    conn,
		fam:     c.Family,
		ifaces:  make(map[int]*iface, len(ifaces)),
		done:    make(chan struct{}),
		group:   group,
		dst:     netip.AddrPortFrom(group, uint16(c.Port)),
	}

	indexes := make([]int, 0, len(ifaces))
	for _, ifc := range ifaces {
		err = conn.JoinGroup(group, ifc.index)
		if err != nil {
			return nil, fmt.Errorf("joining %s on interface %q: %w", group, ifc.name, err)
		}

		ifc.oob = c.Family.EncodeInfo(ifc.index, ifc.local)
		r.ifaces[ifc.index] = ifc
		indexes = append(indexes, ifc.index)

		r.logger.DebugContext(ctx, "joined group", "iface", ifc.name, "source", ifc.local)
	}

	r.peers = fullMesh(indexes)

	return r, nil
}

// listenMgrp is the default [Config.Listen].
func listenMgrp(ctx context.Context, fam mgrp.Family, port int) (c PacketConn, err error) {
	conn, err := mgrp.Listen(ctx, fam, port)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Run receives and repeats datagrams until reading from the socket fails or
// ctx is canceled.  Canceling ctx closes the socket.
func (r *Repeater) Run(ctx context.Context) (err error) {
	stop := context.AfterFunc(ctx, func() {
		closeErr := r.conn.Close()
		if closeErr != nil {
			r.logger.DebugContext(ctx, "closing on cancel", slogutil.KeyError, closeErr)
		}
	})
	defer stop()

	buf := make([]byte, MaxPacketSize)
	oob := make([]byte, mgrp.OOBSize)
	for {
		n, oobn, _, src, readErr := r.conn.ReadMsgUDPAddrPort(buf, oob)
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}

			return fmt.Errorf("reading: %w", readErr)
		}

		r.handle(ctx, buf[:n], oob[:oobn], src)
	}
}

// handle repeats a single received datagram, if it should be repeated.
func (r *Repeater) handle(ctx context.Context, b, oob []byte, src netip.AddrPort) {
	r.metrics.IncrementReceived(ctx)

	rcvdIndex, dst, err := r.fam.DecodeInfo(oob)
	if err != nil {
		r.onDecodeError(ctx, src, err)

		return
	}
	r.decodeFailures = 0

	if dst != r.group {
		r.logger.DebugContext(ctx, "not repeating non-group datagram", "src", src, "dst", dst)
		r.metrics.IncrementDropped(ctx, DropReasonNotGroup)

		return
	}

	rcvd, ok := r.ifaces[rcvdIndex]
	if !ok {
		r.logger.DebugContext(ctx, "not repeating from unconfigured interface", "ifindex", rcvdIndex)
		r.metrics.IncrementDropped(ctx, DropReasonUnknownIface)

		return
	}

	if src.Addr().Unmap().WithZone("") == rcvd.local {
		r.logger.DebugContext(ctx, "not repeating own datagram", "iface", rcvd.name, "src", src)
		r.metrics.IncrementDropped(ctx, DropReasonSelf)

		return
	}

	r.logger.DebugContext(ctx, "received", "iface", rcvd.name, "src", src, "len", len(b))

	for _, peerIndex := range r.peers[rcvdIndex] {
		r.send(ctx, b, r.ifaces[peerIndex])
	}
}

// onDecodeError records a datagram that came without usable packet info.
func (r *Repeater) onDecodeError(ctx context.Context, src netip.AddrPort, err error) {
	r.metrics.IncrementDropped(ctx, DropReasonDecode)
	r.decodeFailures++

	if r.decodeFailures == decodeFailuresWarnLimit {
		r.logger.WarnContext(
			ctx,
			"no packet info in consecutive datagrams; check socket options",
			"count", r.decodeFailures,
			slogutil.KeyError, err,
		)

		return
	}

	r.logger.DebugContext(ctx, "dropping datagram", "src", src, slogutil.KeyError, err)
}

// send sends b out of the interface to.  Errors are logged and not returned,
// so that one broken interface doesn't stop the others.
func (r *Repeater) send(ctx context.Context, b []byte, to *iface) {
	_, _, err := r.conn.WriteMsgUDPAddrPort(b, to.oob, r.dst)
	if err != nil {
		r.logger.ErrorContext(ctx, "repeating", "iface", to.name, slogutil.KeyError, err)
		r.metrics.IncrementSendErrors(ctx, to.name)

		return
	}

	r.logger.DebugContext(ctx, "repeated", "iface", to.name, "source", to.local)
	r.metrics.IncrementRelayed(ctx, to.name)
}

// Start runs [Repeater.Run] in a new goroutine and returns immediately.  It
// must not be called more than once.
func (r *Repeater) Start(ctx context.Context) {
	go func() {
		defer close(r.done)

		r.err = r.Run(ctx)
	}()
}

// Wait blocks until the goroutine started by [Repeater.Start] exits and
// returns its error.
func (r *Repeater) Wait() (err error) {
	<-r.done

	return r.err
}

// Close closes the socket.  Closing an already closed repeater is not an
// error.
func (r *Repeater) Close() (err error) {
	err = r.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}
