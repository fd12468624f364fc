// Package memsys manages registered memory: slab-backed, reference-counted
// buffers that remote peers may read directly by (address, key) without a
// byte-stream protocol in between.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package memsys

import (
	"io"
	"sync/atomic"

	"github.com/465583030/SparkRDMA/cmn/cos"
	"github.com/465583030/SparkRDMA/cmn/debug"
)

type (
	// Buf is a registered buffer. It is exclusively owned by whichever stage
	// last holds a live reference: every Retain must have a matching Release
	// on every exit path, and Release at refcount zero returns the backing
	// slab to the arena.
	Buf struct {
		arena *Arena
		b     []byte
		addr  uint64
		size  int64
		key   uint32
		refc  atomic.Int32
	}

	// Reader streams a sub-range of a Buf and releases its reference on Close.
	Reader struct {
		buf      *Buf
		off, end int64
		closed   bool
	}
)

// interface guard
var _ io.ReadCloser = (*Reader)(nil)

func (buf *Buf) Addr() uint64  { return buf.addr }
func (buf *Buf) Key() uint32   { return buf.key }
func (buf *Buf) Size() int64   { return buf.size }
func (buf *Buf) Bytes() []byte { return buf.b[:buf.size] }

func (buf *Buf) Retain() {
	c := buf.refc.Add(1)
	debug.Assertf(c > 1, "retain on a released buffer (refc=%d)", c)
}

func (buf *Buf) Release() {
	c := buf.refc.Add(-1)
	if c == 0 {
		buf.arena.bfree(buf)
		return
	}
	if c < 0 {
		cos.Assertf(false, "buffer refcount underflow (refc=%d, addr=%d)", c, buf.addr)
	}
}

// Reader returns a released-on-close stream over [off, off+length).
// The reference it holds is the caller's: retain first if the caller keeps
// its own.
func (buf *Buf) Reader(off, length int64) *Reader {
	debug.Assert(off >= 0 && off+length <= buf.size)
	return &Reader{buf: buf, off: off, end: off + length}
}

func (r *Reader) Read(p []byte) (n int, err error) {
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	if r.off >= r.end {
		return 0, io.EOF
	}
	n = copy(p, r.buf.b[r.off:r.end])
	r.off += int64(n)
	if r.off >= r.end {
		err = io.EOF
	}
	return
}

// Close releases the underlying buffer reference; idempotent.
func (r *Reader) Close() error {
	if !r.closed {
		r.closed = true
		r.buf.Release()
	}
	return nil
}
