/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package directory

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/465583030/SparkRDMA/cluster"
	"github.com/465583030/SparkRDMA/cmn"
	"github.com/465583030/SparkRDMA/cmn/cos"
	"github.com/465583030/SparkRDMA/cmn/debug"
	"github.com/465583030/SparkRDMA/memsys"
	"github.com/465583030/SparkRDMA/stats"
	"github.com/465583030/SparkRDMA/transport"
	"github.com/465583030/SparkRDMA/wire"
)

type (
	// Client is the worker-resident side of the directory. It publishes map
	// output locations to the coordinator, fetches location lists for reduce
	// tasks, and tracks coordinator-announced peers for pre-connecting.
	Client struct {
		self        cluster.HostPort
		coordinator cluster.HostPort
		config      *cmn.Config
		arena       *memsys.Arena
		conns       *connTable
		peers       *cluster.Peers

		mu      sync.Mutex
		waiters map[waiterKey]*waiter
	}

	waiterKey struct {
		shuffleID   int32
		partitionID int32
	}

	// waiter accumulates reply records for one pending location fetch and
	// resolves once a reply segment tagged isLast lands (or the shuffle is
	// torn out from under it).
	waiter struct {
		wg   *cos.TimeoutGroup
		locs []wire.Location
		err  error
	}

	// Pending is one in-flight location fetch, awaited at most once.
	Pending struct {
		c   *Client
		key waiterKey
		w   *waiter
	}
)

func NewClient(self, coordinator cluster.HostPort, config *cmn.Config, arena *memsys.Arena, dialer transport.Dialer) *Client {
	return &Client{
		self:        self,
		coordinator: coordinator,
		config:      config,
		arena:       arena,
		conns:       newConnTable(dialer),
		peers:       cluster.NewPeers(),
		waiters:     make(map[waiterKey]*waiter),
	}
}

// Hello introduces this worker to the coordinator, triggering membership
// announcements back to the whole set.
func (c *Client) Hello() error {
	conn, err := c.conns.get(c.coordinator)
	if err != nil {
		return errors.WithMessage(err, "hello: dialing coordinator")
	}
	return sendMsg(conn, c.arena, &wire.Hello{From: c.self}, c.config.SegmentSize)
}

// Publish sends map output locations to the coordinator. The records all
// name this worker as the owning peer; isLast marks the map task's final
// publish for the shuffle.
func (c *Client) Publish(shuffleID int32, records []wire.PublishRecord, isLast bool) error {
	conn, err := c.conns.get(c.coordinator)
	if err != nil {
		return errors.WithMessage(err, "publish: dialing coordinator")
	}
	msg := &wire.Publish{Records: records, ShuffleID: shuffleID, IsLast: isLast}
	return sendMsg(conn, c.arena, msg, c.config.SegmentSize)
}

// FetchLocations issues a location query for one partition and registers a
// waiter for the reply. At most one fetch per (shuffle, partition) may be
// outstanding; a second concurrent fetch is a caller bug.
func (c *Client) FetchLocations(shuffleID, partitionID int32) (*Pending, error) {
	key := waiterKey{shuffleID: shuffleID, partitionID: partitionID}
	w := &waiter{wg: cos.NewTimeoutGroup()}
	w.wg.Add(1)

	c.mu.Lock()
	if _, ok := c.waiters[key]; ok {
		c.mu.Unlock()
		debug.Assertf(false, "duplicate fetch for shuffle %d partition %d", shuffleID, partitionID)
		return nil, errors.Errorf("location fetch already pending for shuffle %d partition %d",
			shuffleID, partitionID)
	}
	c.waiters[key] = w
	c.mu.Unlock()

	conn, err := c.conns.get(c.coordinator)
	if err == nil {
		msg := &wire.Fetch{From: c.self, ShuffleID: shuffleID, PartitionID: partitionID}
		err = sendMsg(conn, c.arena, msg, c.config.SegmentSize)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.waiters, key)
		c.mu.Unlock()
		return nil, errors.WithMessage(err, "fetch: querying coordinator")
	}
	return &Pending{c: c, key: key, w: w}, nil
}

// Await blocks until the reply resolves, the configured resolve timeout
// expires, or stop fires. The waiter is deregistered on return.
func (p *Pending) Await(stop <-chan struct{}) ([]wire.Location, error) {
	timed, stopped := p.w.wg.WaitTimeoutWithStop(p.c.config.ResolveTimeout.D(), stop)

	p.c.mu.Lock()
	delete(p.c.waiters, p.key)
	p.c.mu.Unlock()

	switch {
	case timed:
		stats.ResolveTimeouts.Inc()
		return nil, &cmn.ErrResolveTimeout{
			ShuffleID:     p.key.shuffleID,
			FromPartition: p.key.partitionID,
			ToPartition:   p.key.partitionID + 1,
			Timeout:       p.c.config.ResolveTimeout.D(),
		}
	case stopped:
		return nil, errors.New("location fetch aborted")
	case p.w.err != nil:
		return nil, p.w.err
	}
	return p.w.locs, nil
}

// ResolveLocations is the blocking form of FetchLocations: it issues the
// query and awaits the reply, the resolve timeout, or stop.
func (c *Client) ResolveLocations(shuffleID, partitionID int32, stop <-chan struct{}) ([]wire.Location, error) {
	pending, err := c.FetchLocations(shuffleID, partitionID)
	if err != nil {
		return nil, err
	}
	return pending.Await(stop)
}

// UnregisterShuffle fails every pending waiter of the shuffle. Later replies
// for it are dropped on arrival.
func (c *Client) UnregisterShuffle(shuffleID int32) {
	var done []*waiter
	c.mu.Lock()
	for key, w := range c.waiters {
		if key.shuffleID == shuffleID {
			w.err = &cmn.ErrShuffleUnregistered{ShuffleID: shuffleID}
			done = append(done, w)
			delete(c.waiters, key)
		}
	}
	c.mu.Unlock()
	for _, w := range done {
		w.wg.Done()
	}
}

// Peers returns the coordinator-announced membership snapshot.
func (c *Client) Peers() []cluster.HostPort { return c.peers.List() }

// Dial returns the cached (or newly established) connection to a peer.
func (c *Client) Dial(peer cluster.HostPort) (transport.Conn, error) {
	return c.conns.get(peer)
}

// Recv is the worker's transport receive callback.
func (c *Client) Recv(from cluster.HostPort, seg []byte) {
	msg, err := wire.Decode(seg)
	if err != nil {
		stats.DecodeErrors.Inc()
		klog.Errorf("dropping undecodable segment from %s: %v", from, err)
		return
	}
	switch msg := msg.(type) {
	case *wire.Publish:
		c.onReply(msg)
	case *wire.Announce:
		c.onAnnounce(msg)
	default:
		klog.Errorf("dropping unexpected %T from %s", msg, from)
	}
}

// onReply appends a reply segment's records to the matching waiters and,
// when the segment is tagged isLast, resolves them. Zero-length records are
// correlation markers for partitions with no locations. A reply with no
// records at all carries no partition coordinates; it resolves the shuffle's
// sole pending waiter when that is unambiguous and otherwise leaves the
// waiters to their timeout.
func (c *Client) onReply(msg *wire.Publish) {
	var done []*waiter
	c.mu.Lock()
	if len(msg.Records) == 0 {
		if msg.IsLast {
			if w := c.soleWaiter(msg.ShuffleID); w != nil {
				done = append(done, w)
			} else {
				klog.Warningf("dropping ambiguous empty reply for shuffle %d", msg.ShuffleID)
			}
		}
	} else {
		resolved := make(map[waiterKey]struct{}, 1)
		for _, rec := range msg.Records {
			key := waiterKey{shuffleID: msg.ShuffleID, partitionID: rec.PartitionID}
			w, ok := c.waiters[key]
			if !ok {
				klog.Warningf("dropping reply record for shuffle %d partition %d: no pending fetch",
					msg.ShuffleID, rec.PartitionID)
				continue
			}
			if rec.Block.Len > 0 {
				w.locs = append(w.locs, wire.Location{Peer: rec.Peer, Block: rec.Block})
			}
			if _, ok := resolved[key]; !ok && msg.IsLast {
				resolved[key] = struct{}{}
				done = append(done, w)
			}
		}
	}
	c.mu.Unlock()
	for _, w := range done {
		w.wg.Done()
	}
}

// soleWaiter returns the shuffle's only pending waiter, nil if zero or many.
// Caller holds c.mu.
func (c *Client) soleWaiter(shuffleID int32) (sole *waiter) {
	for key, w := range c.waiters {
		if key.shuffleID != shuffleID {
			continue
		}
		if sole != nil {
			return nil
		}
		sole = w
	}
	return sole
}

// onAnnounce pre-connects to newly announced peers off the receive path.
func (c *Client) onAnnounce(msg *wire.Announce) {
	for _, peer := range msg.Peers {
		if peer == c.self || !c.peers.Add(peer) {
			continue
		}
		klog.V(4).Infof("announced peer %s, pre-connecting", peer)
		c.conns.ensureAsync(peer)
	}
}

// Close tears down the worker's cached connections.
func (c *Client) Close() {
	c.conns.closeAll()
}
