// Package cluster provides peer identity and gossip membership for the SparkRDMA shuffle.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package cluster

import "sync"

// Peers is the gossip membership set. Push-based, full-membership, no
// pruning: membership only grows for the lifetime of the owning process,
// which matches the enclosing job rather than a long-running cluster.
type Peers struct {
	mu sync.RWMutex
	m  map[HostPort]struct{}
}

func NewPeers() *Peers {
	return &Peers{m: make(map[HostPort]struct{}, 16)}
}

// Add returns true iff the peer was not yet known.
func (p *Peers) Add(hp HostPort) bool {
	p.mu.Lock()
	_, ok := p.m[hp]
	if !ok {
		p.m[hp] = struct{}{}
	}
	p.mu.Unlock()
	return !ok
}

func (p *Peers) Contains(hp HostPort) bool {
	p.mu.RLock()
	_, ok := p.m[hp]
	p.mu.RUnlock()
	return ok
}

func (p *Peers) Len() int {
	p.mu.RLock()
	l := len(p.m)
	p.mu.RUnlock()
	return l
}

// List returns a snapshot of the membership.
func (p *Peers) List() []HostPort {
	p.mu.RLock()
	all := make([]HostPort, 0, len(p.m))
	for hp := range p.m {
		all = append(all, hp)
	}
	p.mu.RUnlock()
	return all
}
