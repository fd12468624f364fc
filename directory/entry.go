// Package directory implements the partition-location directory: the
// coordinator-resident registry populated by publish RPCs and served by
// fetch RPCs, and the worker-resident client that queries it.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package directory

import (
	"sync"

	"github.com/465583030/SparkRDMA/wire"
)

// entry holds the accumulated locations of one (shuffleId, partitionId).
// Guarded by its own mutex so that publishes to different partitions of the
// same shuffle never contend; the list never shrinks while the shuffle is
// registered.
type entry struct {
	mu        sync.Mutex
	locations []wire.Location
}

// merge applies one location observation. Under the dedup-and-widen policy a
// later, larger-length observation for the same (peer, address) supersedes a
// smaller one; a smaller or equal one is dropped.
func (e *entry) merge(loc wire.Location, dedupWiden bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if dedupWiden {
		for i := range e.locations {
			have := &e.locations[i]
			if have.Peer == loc.Peer && have.Block.Addr == loc.Block.Addr {
				if loc.Block.Len > have.Block.Len {
					*have = loc
				}
				return
			}
		}
	}
	e.locations = append(e.locations, loc)
}

// snapshot returns a copy of the current location list.
func (e *entry) snapshot() []wire.Location {
	e.mu.Lock()
	locs := make([]wire.Location, len(e.locations))
	copy(locs, e.locations)
	e.mu.Unlock()
	return locs
}
