// Package wire defines the shuffle directory RPC messages and their
// segmentation into fixed-capacity transport buffers.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package wire

import (
	"github.com/465583030/SparkRDMA/cluster"
	"github.com/465583030/SparkRDMA/cmn/cos"
)

// Message type tags. Peers may run skewed versions: an unknown tag is logged
// and dropped by the receiver, never fatal.
const (
	TagPublish int32 = iota + 1 // map output locations, coordinator-bound or reply
	TagFetch                    // location query, coordinator-bound
	TagHello                    // first contact, coordinator-bound
	TagAnnounce                 // full membership push, worker-bound
)

type (
	// BlockRef is the transport-level remote-memory descriptor: a byte range
	// on a specific peer, readable without that peer's involvement.
	BlockRef struct {
		Addr uint64
		Len  uint32
		Key  uint32
	}

	// Location is one physical location of one partition's bytes.
	Location struct {
		Peer  cluster.HostPort
		Block BlockRef
	}

	// PublishRecord is the wire form of one location observation.
	PublishRecord struct {
		Peer        cluster.HostPort
		Block       BlockRef
		PartitionID int32
	}

	Msg interface {
		Tag() int32
	}

	// Publish carries map-output locations. A single publish call may span
	// multiple segments across multiple sends; only the final segment is
	// flagged IsLast so the receiver knows when the record stream completes.
	Publish struct {
		Records   []PublishRecord
		ShuffleID int32
		IsLast    bool
	}

	// Fetch asks the coordinator for the accumulated location list of one
	// partition; the reply is a Publish tagged IsLast.
	Fetch struct {
		From        cluster.HostPort
		ShuffleID   int32
		PartitionID int32
	}

	// Hello is a worker's first contact with the coordinator.
	Hello struct {
		From cluster.HostPort
	}

	// Announce pushes the coordinator's entire known-peer set.
	Announce struct {
		Peers []cluster.HostPort
	}
)

func (*Publish) Tag() int32  { return TagPublish }
func (*Fetch) Tag() int32    { return TagFetch }
func (*Hello) Tag() int32    { return TagHello }
func (*Announce) Tag() int32 { return TagAnnounce }

// interface guard
var (
	_ cos.Packer   = (*PublishRecord)(nil)
	_ cos.Unpacker = (*PublishRecord)(nil)
)

// wire layout: [i16 hostLen][host][i32 port][i64 remoteAddr][i32 remoteLen][i32 remoteKey][i32 partitionId]
func (pr *PublishRecord) Pack(packer *cos.BytePack) {
	packer.WriteAny(&pr.Peer)
	packer.WriteUint64(pr.Block.Addr)
	packer.WriteUint32(pr.Block.Len)
	packer.WriteUint32(pr.Block.Key)
	packer.WriteInt32(pr.PartitionID)
}

func (pr *PublishRecord) PackedSize() int {
	return pr.Peer.PackedSize() + cos.SizeofI64 + 3*cos.SizeofI32
}

func (pr *PublishRecord) Unpack(unpacker *cos.ByteUnpack) (err error) {
	if err = unpacker.ReadAny(&pr.Peer); err != nil {
		return
	}
	if pr.Block.Addr, err = unpacker.ReadUint64(); err != nil {
		return
	}
	if pr.Block.Len, err = unpacker.ReadUint32(); err != nil {
		return
	}
	if pr.Block.Key, err = unpacker.ReadUint32(); err != nil {
		return
	}
	pr.PartitionID, err = unpacker.ReadInt32()
	return
}
