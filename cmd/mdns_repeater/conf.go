package main

import (
	"flag"
	"fmt"
	"io"
	"maps"
	"net/netip"
	"os"
	"slices"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"go.jonnrb.io/mdns_repeater/v2/mgrp"
	"gopkg.in/yaml.v2"
)

// Config is the configuration file.
type Config struct {
	IPv4 *FamilyConfig `yaml:"ipv4"`
	IPv6 *FamilyConfig `yaml:"ipv6"`

	// Interfaces are the names of the interfaces, or Docker networks, to
	// repeat between.
	Interfaces []string `yaml:"interfaces"`

	// Port defaults to the mDNS port.
	Port int `yaml:"port"`
}

// FamilyConfig is the configuration of a single address family.
type FamilyConfig struct {
	// Sources maps interface names to the address to send from on them.
	Sources map[string]string `yaml:"sources"`

	// Group defaults to the mDNS group of the family.
	Group string `yaml:"group"`

	Disabled bool `yaml:"disabled"`
}

// familyConf is the resolved configuration of an enabled family.
type familyConf struct {
	fam     mgrp.Family
	sources map[string]string
	group   string
}

// ParseConfig parses the contents of a config file.  Unknown fields are an
// error.
func ParseConfig(contents []byte) (c *Config, err error) {
	c = &Config{}
	err = yaml.UnmarshalStrict(contents, c)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// openConfig reads the config file, if any, and applies the command-line
// options on top of it.
func openConfig(o *options) (c *Config, err error) {
	c = &Config{}
	if o.confPath != "" {
		var contents []byte
		contents, err = os.ReadFile(o.confPath)
		if err != nil {
			return nil, fmt.Errorf("could not open config file %q: %w", o.confPath, err)
		}

		c, err = ParseConfig(contents)
		if err != nil {
			return nil, fmt.Errorf("could not parse config file %q: %w", o.confPath, err)
		}
	}

	c.merge(o)

	err = c.Validate()
	if err != nil {
		return nil, err
	}

	return c, nil
}

// merge applies o on top of c and sets the defaults.
func (c *Config) merge(o *options) {
	if len(o.interfaces) > 0 {
		c.Interfaces = o.interfaces
	}

	if o.port != 0 {
		c.Port = o.port
	} else if c.Port == 0 {
		c.Port = mgrp.DefaultPort
	}

	c.IPv4 = mergeFamily(c.IPv4, o.sources4, mgrp.DefaultGroupIPv4)
	c.IPv6 = mergeFamily(c.IPv6, o.sources6, mgrp.DefaultGroupIPv6)

	if o.only4 {
		c.IPv6.Disabled = true
	}

	if o.only6 {
		c.IPv4.Disabled = true
	}
}

// mergeFamily returns fc with the sources from the command line applied.  fc
// may be nil.
func mergeFamily(fc *FamilyConfig, sources sourceFlag, group netip.Addr) (merged *FamilyConfig) {
	merged = &FamilyConfig{}
	if fc != nil {
		*merged = *fc
	}

	if merged.Group == "" {
		merged.Group = group.String()
	}

	if len(sources) == 0 {
		return merged
	}

	all := make(map[string]string, len(merged.Sources)+len(sources))
	maps.Copy(all, merged.Sources)
	maps.Copy(all, sources)

	merged.Sources = all

	return merged
}

// Validate returns an error if c can't be used to start any repeater.  The
// interfaces and addresses themselves are checked by the repeaters.
func (c *Config) Validate() (err error) {
	var errs []error
	if len(c.Interfaces) < 2 {
		errs = append(errs, fmt.Errorf(
			"need at least two interfaces to repeat between, got %d",
			len(c.Interfaces),
		))
	}

	if c.IPv4.Disabled && c.IPv6.Disabled {
		errs = append(errs, errors.Error("both ipv4 and ipv6 are disabled"))
	}

	return errors.Join(errs...)
}

// families returns the configurations of the enabled families.
func (c *Config) families() (fcs []*familyConf) {
	if !c.IPv4.Disabled {
		fcs = append(fcs, &familyConf{
			fam:     mgrp.IPv4,
			sources: c.IPv4.Sources,
			group:   c.IPv4.Group,
		})
	}

	if !c.IPv6.Disabled {
		fcs = append(fcs, &familyConf{
			fam:     mgrp.IPv6,
			sources: c.IPv6.Sources,
			group:   c.IPv6.Group,
		})
	}

	return fcs
}

// options are the command-line options.
type options struct {
	sources4 sourceFlag
	sources6 sourceFlag

	confPath    string
	metricsAddr string
	verbose     string

	interfaces []string

	port int

	only4 bool
	only6 bool

	mapDockerNetworksToInterfaces bool
}

// parseOptions parses the command-line arguments without the program name.
func parseOptions(cmdName string, args []string) (o *options, err error) {
	o = &options{
		sources4: sourceFlag{},
		sources6: sourceFlag{},
	}

	fs := flag.NewFlagSet(cmdName, flag.ContinueOnError)
	fs.StringVar(&o.confPath, "config", "", "yaml config file")
	fs.StringVar(&o.metricsAddr, "metricsAddr", "", "serve Prometheus metrics on this HOST:PORT")
	fs.StringVar(&o.verbose, "verbose", "WARNING", "log level: DEBUG, INFO, WARNING, ERROR or CRITICAL")
	fs.IntVar(&o.port, "port", 0, "UDP port to repeat (default 5353)")
	fs.BoolVar(&o.only4, "4", false, "repeat ipv4 only")
	fs.BoolVar(&o.only6, "6", false, "repeat ipv6 only")
	fs.BoolVar(
		&o.mapDockerNetworksToInterfaces,
		"mapDockerNetworksToInterfaces",
		false,
		"The flag name is an open book",
	)
	fs.Var(o.sources4, "source4", "IFACE=ADDR ipv4 address to send from on IFACE, may be repeated")
	fs.Var(o.sources6, "source6", "IFACE=ADDR ipv6 address to send from on IFACE, may be repeated")

	fs.Usage = func() {
		usage(fs.Output(), cmdName)
		fs.PrintDefaults()
	}

	err = fs.Parse(args)
	if err != nil {
		return nil, err
	}

	if o.only4 && o.only6 {
		err = errors.Error("-4 and -6 are mutually exclusive")
		_, _ = fmt.Fprintln(fs.Output(), err)
		fs.Usage()

		return nil, err
	}

	o.interfaces = fs.Args()

	return o, nil
}

// usage writes the synopsis of the program to w.
func usage(w io.Writer, cmdName string) {
	_, _ = fmt.Fprintf(w, "Usage: %s [flags] iface iface...\n", cmdName)
}

// sourceFlag is a [flag.Value] that collects IFACE=ADDR pairs.
type sourceFlag map[string]string

// type check
var _ flag.Value = sourceFlag(nil)

// String implements the [flag.Value] interface for sourceFlag.
func (f sourceFlag) String() (s string) {
	pairs := make([]string, 0, len(f))
	for name, addr := range f {
		pairs = append(pairs, name+"="+addr)
	}

	slices.Sort(pairs)

	return strings.Join(pairs, ",")
}

// Set implements the [flag.Value] interface for sourceFlag.
func (f sourceFlag) Set(s string) (err error) {
	name, addr, ok := strings.Cut(s, "=")
	if !ok || name == "" || addr == "" {
		return fmt.Errorf("%q is not IFACE=ADDR", s)
	}

	if _, dup := f[name]; dup {
		return fmt.Errorf("duplicate source for interface %q", name)
	}

	f[name] = addr

	return nil
}
