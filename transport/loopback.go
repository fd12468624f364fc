// Package transport abstracts the remote-memory transport consumed by the
// shuffle; see api.go.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package transport

import (
	"sync"

	"github.com/465583030/SparkRDMA/cluster"
	"github.com/465583030/SparkRDMA/cmn/debug"
	"github.com/465583030/SparkRDMA/memsys"
	"github.com/pkg/errors"
)

// In-process transport: every node attaches to a shared switchboard, sends
// deliver segment copies to the destination's receive callback, and reads
// copy directly out of the destination's arena - one-sided, like the real
// thing. Completions run on their own goroutines, never the caller's.

type (
	Switchboard struct {
		mu    sync.RWMutex
		nodes map[cluster.HostPort]*LoopNode
	}

	LoopNode struct {
		sb    *Switchboard
		arena *memsys.Arena
		recv  RecvMsg
		hp    cluster.HostPort
	}

	loopConn struct {
		local *LoopNode
		dst   *LoopNode
	}
)

// interface guard
var (
	_ Dialer = (*LoopNode)(nil)
	_ Conn   = (*loopConn)(nil)
)

func NewSwitchboard() *Switchboard {
	return &Switchboard{nodes: make(map[cluster.HostPort]*LoopNode, 8)}
}

func (sb *Switchboard) Attach(hp cluster.HostPort, arena *memsys.Arena, recv RecvMsg) *LoopNode {
	n := &LoopNode{sb: sb, hp: hp, arena: arena, recv: recv}
	sb.mu.Lock()
	sb.nodes[hp] = n
	sb.mu.Unlock()
	return n
}

func (sb *Switchboard) lookup(hp cluster.HostPort) *LoopNode {
	sb.mu.RLock()
	n := sb.nodes[hp]
	sb.mu.RUnlock()
	return n
}

// SetRecv rebinds the node's receive callback (role wiring happens after
// transport setup).
func (n *LoopNode) SetRecv(recv RecvMsg) { n.recv = recv }

func (n *LoopNode) HostPort() cluster.HostPort { return n.hp }

func (n *LoopNode) Dial(peer cluster.HostPort) (Conn, error) {
	dst := n.sb.lookup(peer)
	if dst == nil {
		return nil, errors.Errorf("loopback: no node at %s", peer)
	}
	return &loopConn{local: n, dst: dst}, nil
}

func (c *loopConn) Peer() cluster.HostPort { return c.dst.hp }
func (c *loopConn) Close() error           { return nil }

func (c *loopConn) PostSend(lsnr CompletionListener, segs []Segment) error {
	// resolve all local segments up front so that failures surface on the
	// posting path, not in the completion
	payloads := make([][]byte, len(segs))
	for i, seg := range segs {
		b, err := c.local.arena.ResolveRange(seg.Addr, seg.Len, seg.Key)
		if err != nil {
			return errors.WithMessage(err, "loopback: bad send segment")
		}
		payloads[i] = append(make([]byte, 0, len(b)), b...)
	}
	go func() {
		for _, p := range payloads {
			c.dst.recv(c.local.hp, p)
		}
		lsnr.OnCompleted(nil)
	}()
	return nil
}

func (c *loopConn) PostRead(lsnr CompletionListener, local *memsys.Buf, remote []Segment) error {
	var total int64
	for _, seg := range remote {
		total += int64(seg.Len)
	}
	if total > local.Size() {
		return errors.Errorf("loopback: local buffer %d too small for read of %d", local.Size(), total)
	}
	go func() {
		var (
			dst = local.Bytes()
			off int64
		)
		for _, seg := range remote {
			b, err := c.dst.arena.ResolveRange(seg.Addr, seg.Len, seg.Key)
			if err != nil {
				lsnr.OnFailed(errors.WithMessagef(err, "loopback: remote read at %s", c.dst.hp))
				return
			}
			n := copy(dst[off:], b)
			debug.Assert(n == len(b))
			off += int64(n)
		}
		lsnr.OnCompleted(local)
	}()
	return nil
}
