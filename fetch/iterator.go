/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package fetch

import (
	"bytes"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/465583030/SparkRDMA/cluster"
	"github.com/465583030/SparkRDMA/cmn"
	"github.com/465583030/SparkRDMA/cmn/cos"
	"github.com/465583030/SparkRDMA/cmn/debug"
	"github.com/465583030/SparkRDMA/memsys"
	"github.com/465583030/SparkRDMA/stats"
	"github.com/465583030/SparkRDMA/transport"
	"github.com/465583030/SparkRDMA/wire"
)

// Iterator is one consumer's pass over a partition range of one shuffle.
//
// Lifecycle: NewIterator starts resolution in the background; Next blocks for
// results, delivered in completion order; Close suppresses further delivery
// and releases every registered buffer still held. The in-flight byte budget
// and the pending-group queue are charged at admission and credited exactly
// when a result is dequeued, which is what bounds peak registered memory.
type Iterator struct {
	shuffleID     int32
	fromPartition int32
	toPartition   int32

	config *cmn.Config
	arena  *memsys.Arena
	dir    Directory
	local  LocalStore

	workers *cos.DynSemaphore
	stop    *cos.StopCh

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []*Result
	pending   []*group // admission overflow, FIFO
	inFlight  int64
	expected  int
	dequeued  int
	planned   bool // expected is final: resolution and grouping are done
	closed    bool
	last      *Result // most recently returned, its buffer is released on Close
}

// NewIterator starts the pipeline for partitions [fromPartition, toPartition)
// of the given shuffle. local may be nil when this node holds no shuffle data.
func NewIterator(shuffleID, fromPartition, toPartition int32, config *cmn.Config,
	arena *memsys.Arena, dir Directory, local LocalStore) *Iterator {
	debug.Assert(fromPartition <= toPartition)
	it := &Iterator{
		shuffleID:     shuffleID,
		fromPartition: fromPartition,
		toPartition:   toPartition,
		config:        config,
		arena:         arena,
		dir:           dir,
		local:         local,
		workers:       cos.NewDynSemaphore(config.FetchWorkers),
		stop:          cos.NewStopCh(),
	}
	it.cond = sync.NewCond(&it.mu)
	go it.run()
	return it
}

// Next blocks until a result is available and dequeues it. A failed partition
// surfaces as a non-nil error naming its coordinates; io.EOF means the range
// is exhausted. Dequeuing credits the result's bytes back to the in-flight
// budget, admitting queued groups.
func (it *Iterator) Next() (*Result, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	for {
		if it.closed {
			return nil, io.EOF
		}
		if len(it.queue) > 0 {
			res := it.queue[0]
			it.queue = it.queue[1:]
			it.dequeued++
			it.creditLocked(res.budget)
			if res.err != nil {
				return nil, res.err
			}
			it.last = res
			return res, nil
		}
		if it.planned && it.dequeued == it.expected {
			return nil, io.EOF
		}
		it.cond.Wait()
	}
}

// Close marks the iterator closed, aborts pending resolution waits, and
// releases the most recently returned buffer plus everything unread in the
// queue. Reads already in flight complete into the transport and are released
// on arrival.
func (it *Iterator) Close() {
	it.stop.Close()
	it.mu.Lock()
	if it.closed {
		it.mu.Unlock()
		return
	}
	it.closed = true
	last, queue := it.last, it.queue
	it.last, it.queue = nil, nil
	it.creditLocked(it.inFlightQueued(queue))
	it.mu.Unlock()
	it.cond.Broadcast()

	if last != nil && last.R != nil {
		last.R.Close()
	}
	for _, res := range queue {
		if res.R != nil {
			res.R.Close()
		}
	}
}

func (it *Iterator) inFlightQueued(queue []*Result) (total int64) {
	for _, res := range queue {
		total += res.budget
	}
	return total
}

//
// pipeline stages, all running off the consumer's thread
//

func (it *Iterator) run() {
	var (
		mu     sync.Mutex
		locals int // local-store hits, owned by this loop
		failed int // resolve failures already promised as results, under mu
		byPart = make(map[int32][]wire.Location)
	)
	var resolveGroup errgroup.Group // resolve errors surface as per-partition results, never abort the range
	for pid := it.fromPartition; pid < it.toPartition; pid++ {
		if it.local != nil {
			if r, length, ok := it.local.GetLocalPartition(it.shuffleID, pid); ok {
				it.deliver(&Result{
					R:           r,
					Len:         length,
					ShuffleID:   it.shuffleID,
					PartitionID: pid,
				})
				locals++
				continue
			}
		}
		pid := pid
		resolveGroup.Go(func() error {
			locs, err := it.dir.ResolveLocations(it.shuffleID, pid, it.stop.Listen())
			mu.Lock()
			if err != nil {
				failed++
				mu.Unlock()
				it.deliver(&Result{ShuffleID: it.shuffleID, PartitionID: pid, err: err})
				return nil
			}
			byPart[pid] = locs
			mu.Unlock()
			return nil
		})
	}
	_ = resolveGroup.Wait()

	groups, blocks := it.groupByPeer(byPart)

	it.mu.Lock()
	it.expected = locals + failed + blocks
	if it.expected == 0 {
		// placeholder empty success, so the consumer's blocking wait is not starved
		it.expected = 1
		it.mu.Unlock()
		it.deliver(&Result{
			R:           io.NopCloser(bytes.NewReader(nil)),
			ShuffleID:   it.shuffleID,
			PartitionID: it.fromPartition,
		})
		it.mu.Lock()
	}
	it.planned = true
	it.pending = append(it.pending, groups...)
	it.admitLocked()
	it.mu.Unlock()
	it.cond.Broadcast()
}

// groupByPeer partitions the resolved locations by peer and greedily
// aggregates them into groups bounded by the maximum single-read size.
// Partition order within a peer follows the requested range; zero-length
// blocks are dropped and an empty group is never flushed.
func (it *Iterator) groupByPeer(byPart map[int32][]wire.Location) (groups []*group, blocks int) {
	open := make(map[cluster.HostPort]*group)
	flush := func(g *group) {
		debug.Assert(g.total > 0)
		groups = append(groups, g)
		blocks += len(g.blocks)
	}
	for pid := it.fromPartition; pid < it.toPartition; pid++ {
		for _, loc := range byPart[pid] {
			if loc.Block.Len == 0 {
				continue
			}
			g := open[loc.Peer]
			if g == nil {
				g = &group{peer: loc.Peer}
				open[loc.Peer] = g
			}
			if g.total > 0 && g.total+int64(loc.Block.Len) > it.config.MaxReadSize {
				flush(g)
				g = &group{peer: loc.Peer}
				open[loc.Peer] = g
			}
			g.blocks = append(g.blocks, blockFetch{ref: loc.Block, off: g.total, partitionID: pid})
			g.total += int64(loc.Block.Len)
		}
	}
	for _, g := range open {
		if g.total > 0 {
			flush(g)
		}
	}
	return groups, blocks
}

// admitLocked starts pending groups in FIFO order while the in-flight budget
// allows. Caller holds it.mu.
func (it *Iterator) admitLocked() {
	if it.closed {
		it.pending = nil
		return
	}
	for len(it.pending) > 0 {
		g := it.pending[0]
		if it.inFlight > 0 && it.inFlight+g.total > it.config.MaxBytesInFlight {
			return
		}
		it.pending = it.pending[1:]
		it.inFlight += g.total
		stats.InFlightBytes.Add(float64(g.total))
		go it.fetchGroup(g)
	}
}

// creditLocked returns bytes to the budget and admits what now fits.
// Caller holds it.mu.
func (it *Iterator) creditLocked(n int64) {
	if n == 0 {
		return
	}
	it.inFlight -= n
	debug.Assertf(it.inFlight >= 0, "in-flight budget underflow: %d", it.inFlight)
	stats.InFlightBytes.Sub(float64(n))
	it.admitLocked()
}

// fetchGroup opens the peer connection, acquires one receive buffer sized to
// the group, and posts a single remote read covering all its blocks. Runs on
// its own goroutine, bounded by the worker semaphore; never blocks on the
// read itself - completion arrives via callback.
func (it *Iterator) fetchGroup(g *group) {
	it.workers.Acquire()
	defer it.workers.Release()

	it.mu.Lock()
	closed := it.closed
	it.mu.Unlock()
	if closed {
		it.creditGroup(g.total)
		return
	}

	conn, err := it.dir.Dial(g.peer)
	if err != nil {
		it.failGroup(g, &cmn.ErrPeerConnect{Cause: err, Peer: g.peer.String()})
		return
	}
	buf, err := it.arena.Alloc(g.total)
	if err != nil {
		it.failGroup(g, &cmn.ErrAlloc{Cause: err, Size: g.total})
		return
	}
	remote := make([]transport.Segment, len(g.blocks))
	for i, b := range g.blocks {
		remote[i] = transport.Segment{Addr: b.ref.Addr, Key: b.ref.Key, Len: b.ref.Len}
	}
	lsnr := transport.CompletionFunc{
		Completed: func(local *memsys.Buf) { it.completeGroup(g, local) },
		Failed: func(err error) {
			stats.ReadErrors.Inc()
			buf.Release()
			it.failGroup(g, err)
		},
	}
	if err := conn.PostRead(lsnr, buf, remote); err != nil {
		buf.Release()
		it.failGroup(g, err)
	}
}

// completeGroup slices the received buffer into one released-on-close reader
// per block and enqueues the per-partition successes. Each reader owns one
// buffer reference; the buffer returns to the arena when the last one closes.
func (it *Iterator) completeGroup(g *group, buf *memsys.Buf) {
	stats.BytesFetched.Add(float64(g.total))
	for i := 1; i < len(g.blocks); i++ {
		buf.Retain()
	}
	for _, b := range g.blocks {
		it.deliver(&Result{
			R:           buf.Reader(b.off, int64(b.ref.Len)),
			Peer:        g.peer,
			Len:         int64(b.ref.Len),
			ShuffleID:   it.shuffleID,
			PartitionID: b.partitionID,
			budget:      int64(b.ref.Len),
		})
	}
}

// failGroup fails every partition of the group with a peer-attributed error
// and credits the group's budget back immediately (no buffer is held).
func (it *Iterator) failGroup(g *group, cause error) {
	for _, b := range g.blocks {
		it.deliver(&Result{
			ShuffleID:   it.shuffleID,
			PartitionID: b.partitionID,
			err: &cmn.ErrPeerRead{
				Cause:       cause,
				Peer:        g.peer.String(),
				ShuffleID:   it.shuffleID,
				PartitionID: b.partitionID,
			},
		})
	}
	it.creditGroup(g.total)
}

func (it *Iterator) creditGroup(total int64) {
	it.mu.Lock()
	it.creditLocked(total)
	it.mu.Unlock()
}

// deliver enqueues one result, or releases it on the floor when the consumer
// is already closed. Called from resolve goroutines and completion callbacks.
func (it *Iterator) deliver(res *Result) {
	it.mu.Lock()
	if it.closed {
		it.creditLocked(res.budget)
		it.mu.Unlock()
		if res.R != nil {
			res.R.Close()
		}
		return
	}
	it.queue = append(it.queue, res)
	it.mu.Unlock()
	it.cond.Signal()
}
