/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package fetch_test

import (
	"errors"
	"io"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/465583030/SparkRDMA/cluster"
	"github.com/465583030/SparkRDMA/cmn"
	"github.com/465583030/SparkRDMA/fetch"
	"github.com/465583030/SparkRDMA/memsys"
	"github.com/465583030/SparkRDMA/transport"
	"github.com/465583030/SparkRDMA/wire"
)

// stubDirectory resolves from a fixed table and dials stubConns whose read
// completions fire only when the test says so.
type stubDirectory struct {
	mu      sync.Mutex
	locs    map[int32][]wire.Location
	resolve map[int32]error
	conns   map[cluster.HostPort]*stubConn
	dialErr error
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{
		locs:    make(map[int32][]wire.Location),
		resolve: make(map[int32]error),
		conns:   make(map[cluster.HostPort]*stubConn),
	}
}

func (d *stubDirectory) addBlock(pid int32, peer cluster.HostPort, addr uint64, length uint32) {
	d.locs[pid] = append(d.locs[pid], wire.Location{
		Peer:  peer,
		Block: wire.BlockRef{Addr: addr, Len: length, Key: 1},
	})
}

func (d *stubDirectory) ResolveLocations(_, pid int32, _ <-chan struct{}) ([]wire.Location, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.resolve[pid]; err != nil {
		return nil, err
	}
	return d.locs[pid], nil
}

func (d *stubDirectory) Dial(peer cluster.HostPort) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	conn, ok := d.conns[peer]
	if !ok {
		conn = &stubConn{peer: peer}
		d.conns[peer] = conn
	}
	return conn, nil
}

func (d *stubDirectory) conn(peer cluster.HostPort) *stubConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[peer]
}

type (
	stubConn struct {
		peer  cluster.HostPort
		mu    sync.Mutex
		reads []*stubRead
	}
	stubRead struct {
		lsnr   transport.CompletionListener
		local  *memsys.Buf
		remote []transport.Segment
	}
)

func (c *stubConn) Peer() cluster.HostPort { return c.peer }
func (c *stubConn) Close() error           { return nil }

func (c *stubConn) PostSend(transport.CompletionListener, []transport.Segment) error {
	panic("not used by the fetch pipeline")
}

func (c *stubConn) PostRead(lsnr transport.CompletionListener, local *memsys.Buf, remote []transport.Segment) error {
	c.mu.Lock()
	c.reads = append(c.reads, &stubRead{lsnr: lsnr, local: local, remote: remote})
	c.mu.Unlock()
	return nil
}

func (c *stubConn) numReads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reads)
}

// complete fills the read's buffer with each remote block's address byte and
// fires the completion, emulating the one-sided read.
func (c *stubConn) complete(i int) {
	c.mu.Lock()
	rd := c.reads[i]
	c.mu.Unlock()
	var off int64
	for _, seg := range rd.remote {
		b := rd.local.Bytes()[off : off+int64(seg.Len)]
		for j := range b {
			b[j] = byte(seg.Addr)
		}
		off += int64(seg.Len)
	}
	go rd.lsnr.OnCompleted(rd.local)
}

// fail fires the failure completion; the pipeline owns the buffer release.
func (c *stubConn) fail(i int, err error) {
	c.mu.Lock()
	rd := c.reads[i]
	c.mu.Unlock()
	go rd.lsnr.OnFailed(err)
}

var _ = Describe("Iterator", func() {
	var (
		arena  *memsys.Arena
		config *cmn.Config
		dir    *stubDirectory

		peerA = cluster.HostPort{Host: "peerA", Port: 1}
		peerB = cluster.HostPort{Host: "peerB", Port: 2}
		peerC = cluster.HostPort{Host: "peerC", Port: 3}
	)

	BeforeEach(func() {
		arena = &memsys.Arena{Name: "fetch-test"}
		Expect(arena.Init()).To(Succeed())
		config = cmn.DefaultConfig()
		dir = newStubDirectory()
	})

	readAll := func(res *fetch.Result) string {
		b, err := io.ReadAll(res.R)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.R.Close()).To(Succeed())
		return string(b)
	}

	It("yields one placeholder empty success for an empty range", func() {
		it := fetch.NewIterator(5, 0, 0, config, arena, dir, nil)
		defer it.Close()

		res, err := it.Next()
		Expect(err).NotTo(HaveOccurred())
		Expect(readAll(res)).To(BeEmpty())
		_, err = it.Next()
		Expect(err).To(MatchError(io.EOF))
	})

	It("yields the placeholder when every location is empty", func() {
		dir.locs[0] = nil // resolves to no locations
		it := fetch.NewIterator(5, 0, 1, config, arena, dir, nil)
		defer it.Close()

		res, err := it.Next()
		Expect(err).NotTo(HaveOccurred())
		Expect(readAll(res)).To(BeEmpty())
		_, err = it.Next()
		Expect(err).To(MatchError(io.EOF))
	})

	It("serves local partitions from the local store, bypassing the directory", func() {
		store := fetch.NewMemStore()
		store.Put(5, 0, []byte("local-bytes"))
		dir.resolve[0] = errors.New("must not resolve a local partition")

		it := fetch.NewIterator(5, 0, 1, config, arena, dir, store)
		defer it.Close()

		res, err := it.Next()
		Expect(err).NotTo(HaveOccurred())
		Expect(res.PartitionID).To(BeEquivalentTo(0))
		Expect(readAll(res)).To(Equal("local-bytes"))
		_, err = it.Next()
		Expect(err).To(MatchError(io.EOF))
	})

	It("counts every result when local hits interleave with resolve failures", func() {
		store := fetch.NewMemStore()
		store.Put(5, 1, []byte("one"))
		store.Put(5, 3, []byte("three"))
		dir.resolve[0] = errors.New("coordinator unreachable")
		dir.resolve[2] = errors.New("coordinator unreachable")

		it := fetch.NewIterator(5, 0, 4, config, arena, dir, store)
		defer it.Close()

		var successes, failures int
		for i := 0; i < 4; i++ {
			res, err := it.Next()
			if err != nil {
				failures++
				continue
			}
			successes++
			Expect(readAll(res)).NotTo(BeEmpty())
		}
		Expect(successes).To(Equal(2))
		Expect(failures).To(Equal(2))
		_, err := it.Next()
		Expect(err).To(MatchError(io.EOF))
	})

	It("delivers results in completion order, not request order", func() {
		dir.addBlock(0, peerA, 100, 8)
		dir.addBlock(1, peerB, 200, 8)
		it := fetch.NewIterator(5, 0, 2, config, arena, dir, nil)
		defer it.Close()

		Eventually(func() bool {
			return dir.conn(peerA) != nil && dir.conn(peerA).numReads() == 1 &&
				dir.conn(peerB) != nil && dir.conn(peerB).numReads() == 1
		}).Should(BeTrue())

		dir.conn(peerB).complete(0)
		res, err := it.Next()
		Expect(err).NotTo(HaveOccurred())
		Expect(res.PartitionID).To(BeEquivalentTo(1))
		Expect(res.Peer).To(Equal(peerB))
		readAll(res)

		dir.conn(peerA).complete(0)
		res, err = it.Next()
		Expect(err).NotTo(HaveOccurred())
		Expect(res.PartitionID).To(BeEquivalentTo(0))
		readAll(res)

		_, err = it.Next()
		Expect(err).To(MatchError(io.EOF))
	})

	pattern := func(addr uint64, length int) string {
		b := make([]byte, length)
		for i := range b {
			b[i] = byte(addr)
		}
		return string(b)
	}

	It("aggregates same-peer blocks up to the maximum read size", func() {
		config.MaxReadSize = 100
		config.MaxBytesInFlight = 1000
		dir.addBlock(0, peerA, 100, 60)
		dir.addBlock(1, peerA, 200, 40) // fits with the first
		dir.addBlock(2, peerA, 300, 10) // opens a second group
		it := fetch.NewIterator(5, 0, 3, config, arena, dir, nil)
		defer it.Close()

		Eventually(func() int {
			if conn := dir.conn(peerA); conn != nil {
				return conn.numReads()
			}
			return 0
		}).Should(Equal(2))

		conn := dir.conn(peerA)
		conn.complete(0)
		conn.complete(1)

		seen := map[int32]string{}
		for i := 0; i < 3; i++ {
			res, err := it.Next()
			Expect(err).NotTo(HaveOccurred())
			seen[res.PartitionID] = readAll(res)
		}
		Expect(seen).To(Equal(map[int32]string{
			0: pattern(100, 60),
			1: pattern(200, 40),
			2: pattern(300, 10),
		}))
		_, err := it.Next()
		Expect(err).To(MatchError(io.EOF))
	})

	It("admits groups under the in-flight budget and releases on dequeue", func() {
		config.MaxReadSize = 500
		config.MaxBytesInFlight = 1000
		dir.addBlock(0, peerA, 100, 500)
		dir.addBlock(1, peerB, 200, 500)
		dir.addBlock(2, peerC, 300, 250)
		it := fetch.NewIterator(5, 0, 3, config, arena, dir, nil)
		defer it.Close()

		// the first two groups exhaust the budget; the third must queue
		Eventually(func() bool {
			return dir.conn(peerA) != nil && dir.conn(peerA).numReads() == 1 &&
				dir.conn(peerB) != nil && dir.conn(peerB).numReads() == 1
		}).Should(BeTrue())
		Consistently(func() *stubConn { return dir.conn(peerC) }, 100*time.Millisecond).Should(BeNil())

		// completing a read is not enough: budget frees only on dequeue
		dir.conn(peerA).complete(0)
		Consistently(func() *stubConn { return dir.conn(peerC) }, 100*time.Millisecond).Should(BeNil())

		res, err := it.Next()
		Expect(err).NotTo(HaveOccurred())
		Expect(res.PartitionID).To(BeEquivalentTo(0))
		readAll(res)

		Eventually(func() int {
			if conn := dir.conn(peerC); conn != nil {
				return conn.numReads()
			}
			return 0
		}).Should(Equal(1))

		dir.conn(peerB).complete(0)
		dir.conn(peerC).complete(0)
		for i := 0; i < 2; i++ {
			res, err := it.Next()
			Expect(err).NotTo(HaveOccurred())
			readAll(res)
		}
		_, err = it.Next()
		Expect(err).To(MatchError(io.EOF))
	})

	It("scopes failures to the responsible partition or peer", func() {
		resolveErr := &cmn.ErrResolveTimeout{ShuffleID: 5, FromPartition: 0, ToPartition: 1}
		dir.resolve[0] = resolveErr
		dir.addBlock(1, peerA, 100, 8)
		dir.addBlock(2, peerB, 200, 8)
		it := fetch.NewIterator(5, 0, 3, config, arena, dir, nil)
		defer it.Close()

		Eventually(func() bool {
			return dir.conn(peerA) != nil && dir.conn(peerA).numReads() == 1 &&
				dir.conn(peerB) != nil && dir.conn(peerB).numReads() == 1
		}).Should(BeTrue())
		dir.conn(peerA).fail(0, errors.New("remote read refused"))
		dir.conn(peerB).complete(0)

		var (
			failures  int
			successes int
			readErr   *cmn.ErrPeerRead
		)
		for i := 0; i < 3; i++ {
			res, err := it.Next()
			switch {
			case err == nil:
				successes++
				Expect(res.PartitionID).To(BeEquivalentTo(2))
				readAll(res)
			case errors.As(err, &readErr):
				failures++
				Expect(readErr.Peer).To(Equal(peerA.String()))
				Expect(readErr.PartitionID).To(BeEquivalentTo(1))
			default:
				failures++
				Expect(err).To(MatchError(resolveErr))
			}
		}
		Expect(successes).To(Equal(1))
		Expect(failures).To(Equal(2))
		_, err := it.Next()
		Expect(err).To(MatchError(io.EOF))
	})

	It("releases every buffer on Close, including undelivered results", func() {
		dir.addBlock(0, peerA, 100, 64)
		dir.addBlock(1, peerB, 200, 64)
		it := fetch.NewIterator(5, 0, 2, config, arena, dir, nil)

		Eventually(func() bool {
			return dir.conn(peerA) != nil && dir.conn(peerA).numReads() == 1 &&
				dir.conn(peerB) != nil && dir.conn(peerB).numReads() == 1
		}).Should(BeTrue())

		// one result delivered and held by the consumer, one still queued
		dir.conn(peerA).complete(0)
		res, err := it.Next()
		Expect(err).NotTo(HaveOccurred())
		Expect(res.R).NotTo(BeNil())
		dir.conn(peerB).complete(0)
		Eventually(arena.InUse).ShouldNot(BeZero())

		it.Close()
		Eventually(arena.InUse).Should(BeZero())

		_, err = it.Next()
		Expect(err).To(MatchError(io.EOF))
	})

	It("releases buffers arriving after Close without delivering them", func() {
		dir.addBlock(0, peerA, 100, 64)
		it := fetch.NewIterator(5, 0, 1, config, arena, dir, nil)

		Eventually(func() bool {
			return dir.conn(peerA) != nil && dir.conn(peerA).numReads() == 1
		}).Should(BeTrue())

		it.Close()
		dir.conn(peerA).complete(0)
		Eventually(arena.InUse).Should(BeZero())
	})
})
