// Package fetch implements the consumer-side pipeline that turns a partition
// range into flow-controlled remote reads: resolve locations through the
// directory, group same-peer blocks into bounded aggregated reads, admit
// groups under an in-flight byte budget, and deliver decoded streams to the
// consumer in completion order.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package fetch

import (
	"io"

	"github.com/465583030/SparkRDMA/cluster"
	"github.com/465583030/SparkRDMA/transport"
	"github.com/465583030/SparkRDMA/wire"
)

type (
	// Directory is the location-resolution collaborator, satisfied by
	// directory.Client.
	Directory interface {
		// ResolveLocations blocks until the coordinator replies, the resolve
		// timeout expires, or stop fires.
		ResolveLocations(shuffleID, partitionID int32, stop <-chan struct{}) ([]wire.Location, error)
		// Dial returns a (cached) connection to a peer.
		Dial(peer cluster.HostPort) (transport.Conn, error)
	}

	// LocalStore serves partitions that live on this node, bypassing both the
	// directory and the transport.
	LocalStore interface {
		GetLocalPartition(shuffleID, partitionID int32) (r io.ReadCloser, length int64, ok bool)
	}

	// Result is one partition's data (or its failure), dequeued via
	// Iterator.Next. The reader must be closed by the consumer; closing
	// returns the underlying registered buffer reference.
	Result struct {
		R           io.ReadCloser
		Peer        cluster.HostPort
		Len         int64
		ShuffleID   int32
		PartitionID int32

		err    error
		budget int64 // in-flight bytes credited back when this result is dequeued
	}
)

// group is one aggregated remote read: same-peer blocks whose summed length
// stays within the configured maximum single-read size.
type group struct {
	peer   cluster.HostPort
	blocks []blockFetch
	total  int64
}

// blockFetch places one remote block at its offset within the group's
// receive buffer.
type blockFetch struct {
	ref         wire.BlockRef
	off         int64
	partitionID int32
}
