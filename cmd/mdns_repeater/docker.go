package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	dockerTypes "github.com/docker/docker/api/types"
	docker "github.com/docker/docker/client"
	"go.jonnrb.io/mdns_repeater/v2/ifaddr"
)

// dockerTimeout is the timeout for inspecting the container.
const dockerTimeout = 5 * time.Second

// DockerNetworkInfo is the network part of the inspection of this container.
type DockerNetworkInfo dockerTypes.NetworkSettings

// GetDockerNetworkInfo inspects the container this program runs in, which is
// found by the hostname.
func GetDockerNetworkInfo(ctx context.Context) (info *DockerNetworkInfo, err error) {
	cli, err := docker.NewEnvClient()
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.WithDeferred(err, cli.Close()) }()

	hn, err := os.Hostname()
	if err != nil {
		return nil, err
	}

	j, err := cli.ContainerInspect(ctx, hn)
	if err != nil {
		return nil, err
	}

	return (*DockerNetworkInfo)(j.NetworkSettings), nil
}

// InterfaceForNetwork returns the index of the interface that has the address
// of this container on the Docker network dnet.
func (i DockerNetworkInfo) InterfaceForNetwork(dnet string, addrs ifaddr.Table) (int, error) {
	n, ok := i.Networks[dnet]
	if !ok || n == nil {
		return 0, fmt.Errorf("network %q not found on container info", dnet)
	}

	s := n.IPAddress
	if s == "" {
		s = n.GlobalIPv6Address
	}

	ip, err := netip.ParseAddr(s)
	if err != nil {
		return 0, fmt.Errorf("could not parse container ip address %q: %w", s, err)
	}

	idx, ok := addrs.IndexOf(ip)
	if !ok {
		return 0, fmt.Errorf("could not find link for ip %v", ip)
	}

	return idx, nil
}

// If mapDockerNetworks is not set, network names are literal system interface
// names. Otherwise they correspond to Docker network names for networks
// connected to this container.
func provideResolveInterface(
	ctx context.Context,
	mapDockerNetworks bool,
	addrs ifaddr.Table,
) (resolve func(string) (*net.Interface, error), err error) {
	if !mapDockerNetworks {
		return net.InterfaceByName, nil
	}

	ctx, cancel := context.WithTimeout(ctx, dockerTimeout)
	defer cancel()

	netInfo, err := GetDockerNetworkInfo(ctx)
	if err != nil {
		return nil, err
	}

	return func(dnet string) (*net.Interface, error) {
		idx, err := netInfo.InterfaceForNetwork(dnet, addrs)
		if err != nil {
			return nil, err
		}

		return net.InterfaceByIndex(idx)
	}, nil
}
