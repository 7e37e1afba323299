//go:build linux

package mgrp

import (
	"os"

	"golang.org/x/sys/unix"
)

// intOpt is an integer socket option.
type intOpt struct {
	name  string
	level int
	opt   int
	val   int
}

// setSockOpts sets the options the shared socket needs before it is bound.
func setSockOpts(fam Family, fd uintptr) (err error) {
	opts := []intOpt{{
		name:  "SO_REUSEADDR",
		level: unix.SOL_SOCKET,
		opt:   unix.SO_REUSEADDR,
		val:   1,
	}, {
		name:  "SO_REUSEPORT",
		level: unix.SOL_SOCKET,
		opt:   unix.SO_REUSEPORT,
		val:   1,
	}}

	if fam == IPv4 {
		// Only deliver groups joined on this very socket, not every group any
		// socket on the host has joined.
		opts = append(opts, intOpt{
			name:  "IP_MULTICAST_ALL",
			level: unix.IPPROTO_IP,
			opt:   unix.IP_MULTICAST_ALL,
			val:   0,
		})
	}

	for _, o := range opts {
		err = unix.SetsockoptInt(int(fd), o.level, o.opt, o.val)
		if err != nil {
			return os.NewSyscallError("setsockopt "+o.name, err)
		}
	}

	return fam.EnableDstInfo(fd)
}
