// Package memsys manages registered memory: slab-backed, reference-counted
// buffers that remote peers may read directly by (address, key) without a
// byte-stream protocol in between.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package memsys

import (
	"math/rand"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/465583030/SparkRDMA/cmn"
	"github.com/465583030/SparkRDMA/cmn/cos"
	"github.com/465583030/SparkRDMA/cmn/debug"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	PageSize       = 4 * cos.KiB
	MaxSlabSize    = 128 * cos.KiB
	slabIncStep    = PageSize
	numSlabs       = MaxSlabSize / slabIncStep
	maxFreePerSlab = 128 // ring depth: free buffers retained per slab class
)

// environment overrides (to circumvent the need to change the code)
const envMaxTotal = "SPARKRDMA_MEM_MAX"

type (
	// Arena is the registered-memory allocator. Addresses are process-unique
	// and monotonically increasing; every live buffer is resolvable by
	// (address, key) so that the transport can serve incoming remote reads.
	Arena struct {
		Name     string
		MaxTotal int64 // cap on total registered bytes; 0 = no cap

		byAddr   map[uint64]*Buf // live buffers, keyed by base address
		rings    [numSlabs]ring
		mu       sync.RWMutex // guards byAddr
		nextAddr atomic.Uint64
		inUse    atomic.Int64
	}

	ring struct {
		mu   sync.Mutex
		free [][]byte
	}
)

func (r *Arena) Init() error {
	r.byAddr = make(map[uint64]*Buf, 512)
	r.nextAddr.Store(uint64(PageSize)) // address zero stays invalid
	if a := os.Getenv(envMaxTotal); a != "" {
		max, err := strconv.ParseInt(a, 10, 64)
		if err != nil || max < 0 {
			return errors.Errorf("memsys: cannot parse %s %q", envMaxTotal, a)
		}
		r.MaxTotal = max
	}
	klog.Infof("%s: initialized (max-total %d)", r.Name, r.MaxTotal)
	return nil
}

// Alloc acquires a registered buffer of exactly `size` usable bytes with an
// initial reference count of one. Backing slabs are recycled per size class;
// allocations above MaxSlabSize are backed 1:1 and not pooled.
func (r *Arena) Alloc(size int64) (*Buf, error) {
	if size <= 0 {
		return nil, &cmn.ErrAlloc{Size: size, Cause: errors.New("non-positive size")}
	}
	if r.MaxTotal != 0 && r.inUse.Load()+size > r.MaxTotal {
		return nil, &cmn.ErrAlloc{Size: size, Cause: errors.Errorf("%s: registered memory exhausted (in-use %d, max %d)",
			r.Name, r.inUse.Load(), r.MaxTotal)}
	}
	b := r.balloc(size)
	buf := &Buf{arena: r, b: b, size: size}
	buf.addr = r.nextAddr.Add(uint64(len(b))) - uint64(len(b))
	buf.key = rand.Uint32() | 1 // key zero stays invalid
	buf.refc.Store(1)

	r.mu.Lock()
	r.byAddr[buf.addr] = buf
	r.mu.Unlock()
	r.inUse.Add(int64(len(b)))
	return buf, nil
}

// ResolveRange locates the live buffer covering [addr, addr+length) and
// returns the backing bytes. Serves incoming remote reads; the key must match
// the one assigned at allocation. Remote refs may point anywhere inside a
// published buffer, not only at its base.
func (r *Arena) ResolveRange(addr uint64, length, key uint32) ([]byte, error) {
	r.mu.RLock()
	buf, ok := r.byAddr[addr]
	if !ok {
		// interior address: buffers never overlap, scan for the container
		for _, b := range r.byAddr {
			if addr >= b.addr && addr < b.addr+uint64(len(b.b)) {
				buf, ok = b, true
				break
			}
		}
	}
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("%s: no registered buffer at address %d", r.Name, addr)
	}
	if buf.key != key {
		return nil, errors.Errorf("%s: remote key mismatch at address %d", r.Name, addr)
	}
	off := int64(addr - buf.addr)
	if off+int64(length) > int64(len(buf.b)) {
		return nil, errors.Errorf("%s: remote read [%d, +%d) overruns registered buffer of size %d",
			r.Name, addr, length, len(buf.b))
	}
	return buf.b[off : off+int64(length)], nil
}

func (r *Arena) InUse() int64 { return r.inUse.Load() }

// Terminate drops all pooled slabs; live buffers are the caller's leak to find.
func (r *Arena) Terminate() {
	for i := range r.rings {
		rg := &r.rings[i]
		rg.mu.Lock()
		rg.free = nil
		rg.mu.Unlock()
	}
	r.mu.Lock()
	if n := len(r.byAddr); n > 0 {
		klog.Errorf("%s: terminating with %d live buffer(s), %d bytes in use", r.Name, n, r.inUse.Load())
	}
	r.mu.Unlock()
}

//
// private
//

func (r *Arena) balloc(size int64) []byte {
	rsize := roundUp(size)
	if rsize > MaxSlabSize {
		return make([]byte, size)
	}
	rg := &r.rings[rsize/slabIncStep-1]
	rg.mu.Lock()
	if l := len(rg.free); l > 0 {
		b := rg.free[l-1]
		rg.free = rg.free[:l-1]
		rg.mu.Unlock()
		return b[:size]
	}
	rg.mu.Unlock()
	return make([]byte, size, rsize)
}

func (r *Arena) bfree(buf *Buf) {
	r.mu.Lock()
	delete(r.byAddr, buf.addr)
	r.mu.Unlock()

	b := buf.b[:cap(buf.b)]
	r.inUse.Add(-buf.size)
	deadbeef(b)
	rsize := int64(cap(b))
	if rsize > MaxSlabSize || rsize%slabIncStep != 0 {
		return // not pooled
	}
	rg := &r.rings[rsize/slabIncStep-1]
	rg.mu.Lock()
	if len(rg.free) < maxFreePerSlab {
		rg.free = append(rg.free, b)
	}
	rg.mu.Unlock()
}

func roundUp(size int64) int64 {
	debug.Assert(size > 0)
	return cos.DivCeil(size, slabIncStep) * slabIncStep
}
