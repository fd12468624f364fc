/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package cluster_test

import (
	"testing"

	"github.com/465583030/SparkRDMA/cluster"
	"github.com/465583030/SparkRDMA/cmn/cos"
	"github.com/stretchr/testify/require"
)

func TestParseHostPort(t *testing.T) {
	hp, err := cluster.ParseHostPort("node1.rack0:18515")
	require.NoError(t, err)
	require.Equal(t, cluster.HostPort{Host: "node1.rack0", Port: 18515}, hp)
	require.Equal(t, "node1.rack0:18515", hp.String())

	for _, bad := range []string{"", "no-port", "host:notaport", "host:99999"} {
		_, err := cluster.ParseHostPort(bad)
		require.Error(t, err, bad)
	}
}

func TestHostPortPack(t *testing.T) {
	in := cluster.HostPort{Host: "10.0.0.7", Port: 600}
	packer := cos.NewPacker(nil, in.PackedSize())
	packer.WriteAny(&in)

	var out cluster.HostPort
	require.NoError(t, cos.NewUnpacker(packer.Bytes()).ReadAny(&out))
	require.Equal(t, in, out)
}

func TestPeers(t *testing.T) {
	var (
		peers = cluster.NewPeers()
		a     = cluster.HostPort{Host: "a", Port: 1}
		b     = cluster.HostPort{Host: "b", Port: 2}
	)
	require.True(t, peers.Add(a))
	require.False(t, peers.Add(a), "second add of the same peer")
	require.True(t, peers.Add(b))
	require.True(t, peers.Contains(a))
	require.Equal(t, 2, peers.Len())
	require.ElementsMatch(t, []cluster.HostPort{a, b}, peers.List())
}
