/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package fetch

import (
	"bytes"
	"io"
	"sync"
)

// MemStore is an in-memory LocalStore for single-process runs and tests.
type MemStore struct {
	mu sync.RWMutex
	m  map[memKey][]byte
}

type memKey struct {
	shuffleID   int32
	partitionID int32
}

// interface guard
var _ LocalStore = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{m: make(map[memKey][]byte)}
}

func (s *MemStore) Put(shuffleID, partitionID int32, b []byte) {
	s.mu.Lock()
	s.m[memKey{shuffleID, partitionID}] = b
	s.mu.Unlock()
}

func (s *MemStore) GetLocalPartition(shuffleID, partitionID int32) (io.ReadCloser, int64, bool) {
	s.mu.RLock()
	b, ok := s.m[memKey{shuffleID, partitionID}]
	s.mu.RUnlock()
	if !ok {
		return nil, 0, false
	}
	return io.NopCloser(bytes.NewReader(b)), int64(len(b)), true
}

func (s *MemStore) DeleteShuffle(shuffleID int32) {
	s.mu.Lock()
	for key := range s.m {
		if key.shuffleID == shuffleID {
			delete(s.m, key)
		}
	}
	s.mu.Unlock()
}
