// scan_iface prints the mDNS messages sent to the group on a single interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/miekg/dns"
	"go.jonnrb.io/mdns_repeater/v2/mgrp"
	"go.jonnrb.io/mdns_repeater/v2/repeater"
	"golang.org/x/sys/unix"
)

func main() {
	useIPv6 := flag.Bool("6", false, "scan the ipv6 group instead of the ipv4 one")
	port := flag.Int("port", mgrp.DefaultPort, "UDP port to scan")
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage %s [flags] iface:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	logger := slogutil.New(&slogutil.Config{
		Format:       slogutil.FormatText,
		AddTimestamp: true,
		Level:        slog.LevelInfo,
	})

	fam, group := mgrp.IPv4, mgrp.DefaultGroupIPv4
	if *useIPv6 {
		fam, group = mgrp.IPv6, mgrp.DefaultGroupIPv6
	}

	err := scan(ctx, logger, fam, group, flag.Arg(0), *port)
	if err != nil && ctx.Err() == nil {
		logger.ErrorContext(ctx, "scanning failed", slogutil.KeyError, err)
		os.Exit(1)
	}
}

// scan logs every message sent to group on the named interface until ctx is
// canceled.
func scan(
	ctx context.Context,
	logger *slog.Logger,
	fam mgrp.Family,
	group netip.Addr,
	name string,
	port int,
) (err error) {
	defer func() { err = errors.Annotate(err, "interface %q: %w", name) }()

	iface, err := net.InterfaceByName(name)
	if err != nil {
		return err
	}

	c, err := mgrp.Listen(ctx, fam, port)
	if err != nil {
		return err
	}
	defer func() { err = errors.WithDeferred(err, c.Close()) }()

	stopClose := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stopClose()

	err = c.JoinGroup(group, iface.Index)
	if err != nil {
		return fmt.Errorf("joining %s: %w", group, err)
	}

	logger.InfoContext(ctx, "scanning", "iface", name, "group", group, "port", port)

	buf := make([]byte, repeater.MaxPacketSize)
	for {
		n, src, readErr := c.ReadFromIface(buf, group, iface.Index)
		if readErr != nil {
			if errors.Is(readErr, net.ErrClosed) {
				return ctx.Err()
			}

			return readErr
		}

		msg := &dns.Msg{}
		err = msg.Unpack(buf[:n])
		if err != nil {
			logger.WarnContext(ctx, "not a dns message", "src", src, "len", n, slogutil.KeyError, err)

			continue
		}

		logger.InfoContext(ctx, "message", "src", src, "msg", msg.String())
	}
}
