/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package directory

import (
	"sync"

	"github.com/465583030/SparkRDMA/cluster"
	"github.com/465583030/SparkRDMA/transport"
	"k8s.io/klog/v2"
)

// connTable caches one transport connection per remote peer. Dialing happens
// at most once per peer; concurrent getters for the same peer serialize on
// the table lock (dials are expected to be cheap relative to their reuse).
type connTable struct {
	mu     sync.Mutex
	dialer transport.Dialer
	conns  map[cluster.HostPort]transport.Conn
}

func newConnTable(dialer transport.Dialer) *connTable {
	return &connTable{
		dialer: dialer,
		conns:  make(map[cluster.HostPort]transport.Conn),
	}
}

func (t *connTable) get(peer cluster.HostPort) (transport.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[peer]; ok {
		return conn, nil
	}
	conn, err := t.dialer.Dial(peer)
	if err != nil {
		return nil, err
	}
	t.conns[peer] = conn
	return conn, nil
}

// ensureAsync warms the connection to peer off the caller's critical path.
func (t *connTable) ensureAsync(peer cluster.HostPort) {
	go func() {
		if _, err := t.get(peer); err != nil {
			klog.Warningf("pre-connect to %s failed: %v", peer, err)
		}
	}()
}

func (t *connTable) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer, conn := range t.conns {
		if err := conn.Close(); err != nil {
			klog.Warningf("closing connection to %s: %v", peer, err)
		}
		delete(t.conns, peer)
	}
}
