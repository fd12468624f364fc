// Package transport abstracts the remote-memory transport consumed by the
// shuffle: connection setup, one-sided remote reads of registered buffers,
// and message sends with completion callbacks. Two implementations are
// provided - an in-process loopback and an HTTP emulation - since the real
// RDMA verbs layer is an external collaborator.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package transport

import (
	"github.com/465583030/SparkRDMA/cluster"
	"github.com/465583030/SparkRDMA/memsys"
)

type (
	// Segment identifies a registered byte range: local when posting sends,
	// remote when posting reads.
	Segment struct {
		Addr uint64
		Key  uint32
		Len  uint32
	}

	// CompletionListener receives the outcome of a posted work request.
	// Completions are delivered on transport-owned goroutines and may not
	// block for long.
	CompletionListener interface {
		// OnCompleted fires once per successful post; buf is the local
		// destination buffer for reads, nil for sends.
		OnCompleted(buf *memsys.Buf)
		OnFailed(err error)
	}

	// Conn is a connection to one peer.
	Conn interface {
		Peer() cluster.HostPort
		// PostSend transmits the given registered segments, in order, as
		// discrete messages.
		PostSend(lsnr CompletionListener, segs []Segment) error
		// PostRead reads the remote segments, in order, into consecutive
		// ranges of the local buffer. The group completes atomically as one
		// event; local must be sized to the sum of remote lengths.
		PostRead(lsnr CompletionListener, local *memsys.Buf, remote []Segment) error
		Close() error
	}

	Dialer interface {
		Dial(peer cluster.HostPort) (Conn, error)
	}

	// RecvMsg is the receive-side callback: one invocation per received
	// segment, with the segment's raw bytes (header included).
	RecvMsg func(from cluster.HostPort, seg []byte)
)

// CompletionFunc adapts a pair of closures to CompletionListener.
type CompletionFunc struct {
	Completed func(buf *memsys.Buf)
	Failed    func(err error)
}

func (cf CompletionFunc) OnCompleted(buf *memsys.Buf) {
	if cf.Completed != nil {
		cf.Completed(buf)
	}
}

func (cf CompletionFunc) OnFailed(err error) {
	if cf.Failed != nil {
		cf.Failed(err)
	}
}
