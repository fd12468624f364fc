/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package directory

import (
	"sync"

	"github.com/465583030/SparkRDMA/cluster"
	"github.com/465583030/SparkRDMA/cmn"
	"github.com/465583030/SparkRDMA/memsys"
	"github.com/465583030/SparkRDMA/stats"
	"github.com/465583030/SparkRDMA/transport"
	"github.com/465583030/SparkRDMA/wire"
	"k8s.io/klog/v2"
)

// Coordinator is the driver-resident side of the directory: it accumulates
// published locations per (shuffleId, partitionId), answers fetch requests
// with the entry's current list, and propagates worker membership.
type Coordinator struct {
	self   cluster.HostPort
	config *cmn.Config
	arena  *memsys.Arena
	conns  *connTable
	peers  *cluster.Peers

	mu       sync.RWMutex
	shuffles map[int32][]*entry
}

func NewCoordinator(self cluster.HostPort, config *cmn.Config, arena *memsys.Arena, dialer transport.Dialer) *Coordinator {
	return &Coordinator{
		self:     self,
		config:   config,
		arena:    arena,
		conns:    newConnTable(dialer),
		peers:    cluster.NewPeers(),
		shuffles: make(map[int32][]*entry),
	}
}

// RegisterShuffle creates partitionCount empty entries for the shuffle.
// Re-registering an already registered shuffle is a no-op.
func (c *Coordinator) RegisterShuffle(shuffleID int32, partitionCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.shuffles[shuffleID]; ok {
		klog.Warningf("shuffle %d already registered", shuffleID)
		return
	}
	entries := make([]*entry, partitionCount)
	for i := range entries {
		entries[i] = &entry{}
	}
	c.shuffles[shuffleID] = entries
	klog.V(4).Infof("registered shuffle %d with %d partitions", shuffleID, partitionCount)
}

// UnregisterShuffle drops the shuffle's entries. Publishes and fetches that
// race with it are answered as if the shuffle never existed.
func (c *Coordinator) UnregisterShuffle(shuffleID int32) {
	c.mu.Lock()
	delete(c.shuffles, shuffleID)
	c.mu.Unlock()
	klog.V(4).Infof("unregistered shuffle %d", shuffleID)
}

// Locations returns a snapshot of the entry's current location list and
// whether the (shuffle, partition) is registered.
func (c *Coordinator) Locations(shuffleID, partitionID int32) ([]wire.Location, bool) {
	e := c.lookup(shuffleID, partitionID)
	if e == nil {
		return nil, false
	}
	return e.snapshot(), true
}

func (c *Coordinator) lookup(shuffleID, partitionID int32) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries, ok := c.shuffles[shuffleID]
	if !ok || partitionID < 0 || int(partitionID) >= len(entries) {
		return nil
	}
	return entries[partitionID]
}

// Recv is the coordinator's transport receive callback: one raw segment per
// invocation, already framed by the transport.
func (c *Coordinator) Recv(from cluster.HostPort, seg []byte) {
	msg, err := wire.Decode(seg)
	if err != nil {
		stats.DecodeErrors.Inc()
		klog.Errorf("dropping undecodable segment from %s: %v", from, err)
		return
	}
	switch msg := msg.(type) {
	case *wire.Publish:
		c.onPublish(from, msg)
	case *wire.Fetch:
		c.onFetch(msg)
	case *wire.Hello:
		c.onHello(msg)
	default:
		klog.Errorf("dropping unexpected %T from %s", msg, from)
	}
}

func (c *Coordinator) onPublish(from cluster.HostPort, msg *wire.Publish) {
	stats.PublishCount.Inc()
	for _, rec := range msg.Records {
		e := c.lookup(msg.ShuffleID, rec.PartitionID)
		if e == nil {
			klog.Errorf("dropping publish from %s for unknown (shuffle %d, partition %d)",
				from, msg.ShuffleID, rec.PartitionID)
			continue
		}
		e.merge(wire.Location{Peer: rec.Peer, Block: rec.Block}, c.config.DedupWiden)
	}
}

// onFetch replies synchronously with the entry's current location list. The
// reply is a Publish tagged isLast; an unknown (shuffle, partition) yields an
// empty list, leaving the requester to its resolution timeout.
func (c *Coordinator) onFetch(msg *wire.Fetch) {
	stats.FetchCount.Inc()
	var locs []wire.Location
	if e := c.lookup(msg.ShuffleID, msg.PartitionID); e != nil {
		locs = e.snapshot()
	} else {
		klog.Errorf("fetch from %s for unknown (shuffle %d, partition %d)",
			msg.From, msg.ShuffleID, msg.PartitionID)
	}
	reply := &wire.Publish{ShuffleID: msg.ShuffleID, IsLast: true}
	if len(locs) == 0 {
		// zero-length marker record, so the requester can still correlate the
		// reply with its (shuffle, partition) waiter
		reply.Records = []wire.PublishRecord{{PartitionID: msg.PartitionID}}
	} else {
		reply.Records = make([]wire.PublishRecord, 0, len(locs))
		for _, loc := range locs {
			reply.Records = append(reply.Records, wire.PublishRecord{
				Peer:        loc.Peer,
				Block:       loc.Block,
				PartitionID: msg.PartitionID,
			})
		}
	}
	conn, err := c.conns.get(msg.From)
	if err != nil {
		klog.Errorf("cannot reply to %s: %v", msg.From, err)
		return
	}
	if err := sendMsg(conn, c.arena, reply, c.config.SegmentSize); err != nil {
		klog.Errorf("replying to %s: %v", msg.From, err)
	}
}

// onHello admits a worker into the membership and, when it is new, announces
// the full set to every known worker (including the newcomer) off the
// receive path.
func (c *Coordinator) onHello(msg *wire.Hello) {
	if msg.From.IsZero() || !c.peers.Add(msg.From) {
		return
	}
	klog.V(4).Infof("worker %s joined, %d known", msg.From, c.peers.Len())
	c.conns.ensureAsync(msg.From)
	go c.announcePeers()
}

func (c *Coordinator) announcePeers() {
	list := c.peers.List()
	msg := &wire.Announce{Peers: list}
	for _, peer := range list {
		conn, err := c.conns.get(peer)
		if err != nil {
			klog.Warningf("cannot announce to %s: %v", peer, err)
			continue
		}
		if err := sendMsg(conn, c.arena, msg, c.config.SegmentSize); err != nil {
			klog.Warningf("announcing to %s: %v", peer, err)
		}
	}
}

// Close tears down the coordinator's cached connections.
func (c *Coordinator) Close() {
	c.conns.closeAll()
}
