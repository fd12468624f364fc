// Package cluster provides peer identity and gossip membership for the SparkRDMA shuffle.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package cluster

import (
	"net"
	"strconv"

	"github.com/465583030/SparkRDMA/cmn/cos"
	"github.com/pkg/errors"
)

// HostPort is a peer identity: equality by value, used as map key for the
// connection table and the gossip set.
type HostPort struct {
	Host string
	Port uint16
}

// interface guard
var (
	_ cos.Packer   = (*HostPort)(nil)
	_ cos.Unpacker = (*HostPort)(nil)
)

func (hp HostPort) String() string {
	return net.JoinHostPort(hp.Host, strconv.Itoa(int(hp.Port)))
}

func (hp HostPort) IsZero() bool { return hp.Host == "" && hp.Port == 0 }

func ParseHostPort(s string) (hp HostPort, err error) {
	host, portstr, err := net.SplitHostPort(s)
	if err != nil {
		return hp, errors.WithMessagef(err, "invalid host:port %q", s)
	}
	port, err := strconv.ParseUint(portstr, 10, 16)
	if err != nil {
		return hp, errors.WithMessagef(err, "invalid port in %q", s)
	}
	return HostPort{Host: host, Port: uint16(port)}, nil
}

// wire layout: [i16 hostLen][host bytes][i32 port]
func (hp *HostPort) Pack(packer *cos.BytePack) {
	packer.WriteString(hp.Host)
	packer.WriteInt32(int32(hp.Port))
}

func (hp *HostPort) PackedSize() int {
	return cos.PackedStrLen(hp.Host) + cos.SizeofI32
}

func (hp *HostPort) Unpack(unpacker *cos.ByteUnpack) (err error) {
	if hp.Host, err = unpacker.ReadString(); err != nil {
		return
	}
	port, err := unpacker.ReadInt32()
	hp.Port = uint16(port)
	return
}
