/*
mdns_repeater forwards multicast mDNS messages across network boundaries,
allowing for discovery of devices that are L3 routable, but undiscoverable.

The device running this program must straddle the different networks involved.
Every datagram sent to the mDNS group on one of the listed interfaces is
repeated to all the other listed interfaces, for IPv4 and IPv6 alike:

  mdns_repeater eth0 wlan0

Interfaces, the port and per-interface source addresses can also be put into a
yaml config file passed with -config.  It looks like this:

  interfaces: [eth0, wlan0]
  ipv4:
    sources:
      wlan0: 192.168.1.2
  ipv6:
    disabled: true

Values passed on the command line override the ones in the file.

The program recognizes network names by interface name unless
-mapDockerNetworksToInterfaces is passed as a flag in which case the program
recognizes networks by their Docker names.
*/
package main // import "go.jonnrb.io/mdns_repeater/v2/cmd/mdns_repeater"

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/prometheus/client_golang/prometheus"
	"go.jonnrb.io/mdns_repeater/v2/ifaddr"
	"go.jonnrb.io/mdns_repeater/v2/metrics"
	"go.jonnrb.io/mdns_repeater/v2/repeater"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	o, err := parseOptions(os.Args[0], os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	} else if err != nil {
		// The flag set has already printed the error and the usage.
		os.Exit(2)
	}

	envs := errors.Must(parseEnvironment())
	errors.Check(envs.Validate())

	lvl := errors.Must(parseVerbosity(o.verbose))
	logger := slogutil.New(&slogutil.Config{
		// Don't use [slogutil.NewFormat] here, because the value is validated.
		Format:       slogutil.Format(envs.LogFormat),
		AddTimestamp: bool(envs.LogTimestamp),
		Level:        lvl,
	})

	c, err := openConfig(o)
	if err != nil {
		logger.ErrorContext(ctx, "could not load config", slogutil.KeyError, err)
		os.Exit(1)
	}

	err = run(ctx, logger, c, o)
	if err != nil {
		logger.ErrorContext(ctx, "repeating", slogutil.KeyError, err)
		os.Exit(1)
	}
}

// run starts a repeater for every enabled family and blocks until ctx is
// canceled or one of them fails.
func run(ctx context.Context, logger *slog.Logger, c *Config, o *options) (err error) {
	addrs, err := ifaddr.Load()
	if err != nil {
		return fmt.Errorf("loading interface addresses: %w", err)
	}

	resolveIface, err := provideResolveInterface(ctx, o.mapDockerNetworksToInterfaces, addrs)
	if err != nil {
		return fmt.Errorf("could not get network info: %w", err)
	}

	var reg *prometheus.Registry
	if o.metricsAddr != "" {
		reg = newRegistry()
	}

	var repeaters []*repeater.Repeater
	defer func() {
		for _, r := range repeaters {
			err = errors.WithDeferred(err, r.Close())
		}
	}()

	for _, fc := range c.families() {
		name := fc.fam.String()

		var m repeater.Metrics = repeater.EmptyMetrics{}
		if reg != nil {
			m, err = metrics.NewRepeater(reg, name)
			if err != nil {
				return fmt.Errorf("metrics for %s: %w", name, err)
			}
		}

		var r *repeater.Repeater
		r, err = repeater.New(ctx, &repeater.Config{
			Logger:           logger.With(slogutil.KeyPrefix, "repeater_"+name),
			Metrics:          m,
			Family:           fc.fam,
			Addrs:            addrs,
			ResolveInterface: resolveIface,
			Sources:          fc.sources,
			Group:            fc.group,
			Interfaces:       c.Interfaces,
			Port:             c.Port,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		repeaters = append(repeaters, r)
	}

	logger.InfoContext(ctx, "repeating between interfaces", "interfaces", c.Interfaces, "port", c.Port)

	grp, grpCtx := errgroup.WithContext(ctx)
	for _, r := range repeaters {
		r.Start(grpCtx)
		grp.Go(r.Wait)
	}

	if reg != nil {
		serveMetrics(grpCtx, grp, logger, o.metricsAddr, reg)
	}

	err = grp.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.InfoContext(ctx, "shutting down")

		return nil
	}

	return err
}
