/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package transport

import (
	"testing"
	"time"

	"github.com/465583030/SparkRDMA/cluster"
	"github.com/465583030/SparkRDMA/memsys"
	"github.com/stretchr/testify/require"
)

type completion struct {
	buf *memsys.Buf
	err error
}

// awaitable listener for tests
func testListener() (CompletionListener, chan completion) {
	ch := make(chan completion, 1)
	return CompletionFunc{
		Completed: func(buf *memsys.Buf) { ch <- completion{buf: buf} },
		Failed:    func(err error) { ch <- completion{err: err} },
	}, ch
}

func await(t *testing.T, ch chan completion) completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("completion never fired")
		return completion{}
	}
}

func testArena(t *testing.T, name string) *memsys.Arena {
	t.Helper()
	arena := &memsys.Arena{Name: name}
	require.NoError(t, arena.Init())
	return arena
}

func TestLoopbackSend(t *testing.T) {
	var (
		sb     = NewSwitchboard()
		hpA    = cluster.HostPort{Host: "a", Port: 1}
		hpB    = cluster.HostPort{Host: "b", Port: 2}
		arenaA = testArena(t, "a")
		gotCh  = make(chan []byte, 4)
	)
	nodeA := sb.Attach(hpA, arenaA, nil)
	sb.Attach(hpB, testArena(t, "b"), func(from cluster.HostPort, seg []byte) {
		require.Equal(t, hpA, from)
		gotCh <- seg
	})

	conn, err := nodeA.Dial(hpB)
	require.NoError(t, err)

	buf, err := arenaA.Alloc(16)
	require.NoError(t, err)
	copy(buf.Bytes(), "0123456789abcdef")

	lsnr, done := testListener()
	require.NoError(t, conn.PostSend(lsnr, []Segment{
		{Addr: buf.Addr(), Key: buf.Key(), Len: 10},
		{Addr: buf.Addr() + 10, Key: buf.Key(), Len: 6},
	}))
	c := await(t, done)
	require.NoError(t, c.err)

	require.Equal(t, "0123456789", string(<-gotCh))
	require.Equal(t, "abcdef", string(<-gotCh))
	buf.Release()
}

func TestLoopbackRead(t *testing.T) {
	var (
		sb     = NewSwitchboard()
		hpA    = cluster.HostPort{Host: "a", Port: 1}
		hpB    = cluster.HostPort{Host: "b", Port: 2}
		arenaA = testArena(t, "a")
		arenaB = testArena(t, "b")
	)
	nodeA := sb.Attach(hpA, arenaA, nil)
	sb.Attach(hpB, arenaB, nil)

	remote, err := arenaB.Alloc(26)
	require.NoError(t, err)
	for i := range remote.Bytes() {
		remote.Bytes()[i] = byte('a' + i)
	}

	conn, err := nodeA.Dial(hpB)
	require.NoError(t, err)
	local, err := arenaA.Alloc(9)
	require.NoError(t, err)

	lsnr, done := testListener()
	require.NoError(t, conn.PostRead(lsnr, local, []Segment{
		{Addr: remote.Addr(), Key: remote.Key(), Len: 4},
		{Addr: remote.Addr() + 21, Key: remote.Key(), Len: 5},
	}))
	c := await(t, done)
	require.NoError(t, c.err)
	require.Same(t, local, c.buf)
	require.Equal(t, "abcdvwxyz", string(local.Bytes()))

	// key mismatch fails the whole group
	lsnr, done = testListener()
	require.NoError(t, conn.PostRead(lsnr, local, []Segment{
		{Addr: remote.Addr(), Key: remote.Key() ^ 1, Len: 4},
	}))
	c = await(t, done)
	require.Error(t, c.err)

	// an oversized group is rejected on the posting path
	require.Error(t, conn.PostRead(lsnr, local, []Segment{
		{Addr: remote.Addr(), Key: remote.Key(), Len: 26},
	}))

	local.Release()
	remote.Release()

	_, err = nodeA.Dial(cluster.HostPort{Host: "nobody", Port: 9})
	require.Error(t, err)
}
