// Package cmn provides common constants, types, and utilities for the SparkRDMA shuffle.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package cmn

import (
	"fmt"
	"time"
)

// Failures are always scoped to the smallest unit possible - one partition or
// one peer group - never the whole consumer. The types below carry the
// identifying coordinates so that the host engine can retry the specific
// upstream dependency.

type (
	// unknown or corrupt wire message - logged and dropped, non-fatal
	ErrDecode struct {
		Cause   error
		TypeTag int32
	}

	// per-partition directory fetch expiry
	ErrResolveTimeout struct {
		ShuffleID     int32
		FromPartition int32
		ToPartition   int32
		Timeout       time.Duration
	}

	// connection setup to a peer failed; fails only that peer's group
	ErrPeerConnect struct {
		Cause error
		Peer  string
	}

	// remote read failed at a peer
	ErrPeerRead struct {
		Cause       error
		Peer        string
		ShuffleID   int32
		PartitionID int32
	}

	// registered-buffer exhaustion; surfaced identically to a peer read error
	ErrAlloc struct {
		Cause error
		Size  int64
	}

	// shuffle was unregistered while a location fetch was pending
	ErrShuffleUnregistered struct {
		ShuffleID int32
	}
)

func (e *ErrDecode) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to decode wire message (tag=%d): %v", e.TypeTag, e.Cause)
	}
	return fmt.Sprintf("unknown wire message type tag %d", e.TypeTag)
}

func (e *ErrDecode) Unwrap() error { return e.Cause }

func (e *ErrResolveTimeout) Error() string {
	return fmt.Sprintf("timed out resolving locations for shuffle %d partitions [%d, %d) after %s (consider increasing resolve_timeout)",
		e.ShuffleID, e.FromPartition, e.ToPartition, e.Timeout)
}

func (e *ErrPeerConnect) Error() string {
	return fmt.Sprintf("failed to connect to peer %s: %v", e.Peer, e.Cause)
}

func (e *ErrPeerConnect) Unwrap() error { return e.Cause }

func (e *ErrPeerRead) Error() string {
	return fmt.Sprintf("failed to read shuffle %d partition %d from peer %s: %v",
		e.ShuffleID, e.PartitionID, e.Peer, e.Cause)
}

func (e *ErrPeerRead) Unwrap() error { return e.Cause }

func (e *ErrAlloc) Error() string {
	return fmt.Sprintf("failed to allocate %d bytes of registered memory: %v", e.Size, e.Cause)
}

func (e *ErrAlloc) Unwrap() error { return e.Cause }

func (e *ErrShuffleUnregistered) Error() string {
	return fmt.Sprintf("shuffle %d was unregistered", e.ShuffleID)
}
