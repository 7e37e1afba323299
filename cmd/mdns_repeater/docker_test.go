package main

import (
	"net/netip"
	"testing"

	"github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.jonnrb.io/mdns_repeater/v2/ifaddr"
)

func TestDockerNetworkInfo_InterfaceForNetwork(t *testing.T) {
	info := DockerNetworkInfo{
		Networks: map[string]*network.EndpointSettings{
			"lan":  {IPAddress: "172.18.0.2"},
			"v6":   {GlobalIPv6Address: "fd00::2"},
			"bad":  {IPAddress: "not-an-ip"},
			"gone": {IPAddress: "172.30.0.2"},
		},
	}

	addrs := ifaddr.Table{
		7: {{IP: netip.MustParseAddr("172.18.0.2")}},
		8: {{IP: netip.MustParseAddr("fd00::2")}},
	}

	idx, err := info.InterfaceForNetwork("lan", addrs)
	require.NoError(t, err)
	assert.Equal(t, 7, idx)

	idx, err = info.InterfaceForNetwork("v6", addrs)
	require.NoError(t, err)
	assert.Equal(t, 8, idx)

	for _, dnet := range []string{"bad", "gone", "missing"} {
		_, err = info.InterfaceForNetwork(dnet, addrs)
		assert.Error(t, err, dnet)
	}
}
