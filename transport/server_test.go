/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package transport

import (
	"bytes"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/465583030/SparkRDMA/cluster"
	"github.com/stretchr/testify/require"
)

func frame(payload []byte) []byte {
	seg := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(seg, uint32(len(seg)))
	copy(seg[4:], payload)
	return seg
}

func TestServerRxMsg(t *testing.T) {
	var (
		hp   = cluster.HostPort{Host: "127.0.0.1", Port: 6070}
		from = cluster.HostPort{Host: "worker", Port: 6071}
		got  [][]byte
	)
	srv := NewServer(hp, testArena(t, "rx"), func(sender cluster.HostPort, seg []byte) {
		require.Equal(t, from, sender)
		got = append(got, append([]byte(nil), seg...))
	})

	// two framed segments back-to-back in one request body
	body := append(frame([]byte("first")), frame([]byte("second, longer"))...)
	req := httptest.NewRequest(http.MethodPost, MsgPath, bytes.NewReader(body))
	req.Header.Set(HdrFrom, from.String())
	w := httptest.NewRecorder()
	srv.rxMsg(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, got, 2)
	require.Equal(t, "first", string(got[0][4:]))
	require.Equal(t, "second, longer", string(got[1][4:]))

	// missing sender header
	req = httptest.NewRequest(http.MethodPost, MsgPath, bytes.NewReader(body))
	w = httptest.NewRecorder()
	srv.rxMsg(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// absurd segment length
	bad := make([]byte, 4)
	binary.BigEndian.PutUint32(bad, uint32(maxSegment+1))
	req = httptest.NewRequest(http.MethodPost, MsgPath, bytes.NewReader(bad))
	req.Header.Set(HdrFrom, from.String())
	w = httptest.NewRecorder()
	srv.rxMsg(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServerRxMem(t *testing.T) {
	arena := testArena(t, "mem")
	srv := NewServer(cluster.HostPort{Host: "127.0.0.1", Port: 6070}, arena, nil)

	buf, err := arena.Alloc(26)
	require.NoError(t, err)
	for i := range buf.Bytes() {
		buf.Bytes()[i] = byte('a' + i)
	}

	u, total := readURL(srv.hp, []Segment{
		{Addr: buf.Addr(), Key: buf.Key(), Len: 3},
		{Addr: buf.Addr() + 23, Key: buf.Key(), Len: 3},
	})
	require.EqualValues(t, 6, total)
	req := httptest.NewRequest(http.MethodGet, u, nil)
	w := httptest.NewRecorder()
	srv.rxMem(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "abcxyz", w.Body.String())

	// wrong key resolves nothing
	u, _ = readURL(srv.hp, []Segment{{Addr: buf.Addr(), Key: buf.Key() ^ 1, Len: 3}})
	req = httptest.NewRequest(http.MethodGet, u, nil)
	w = httptest.NewRecorder()
	srv.rxMem(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// malformed query
	req = httptest.NewRequest(http.MethodGet, MemPath+"?addr=1&len=2", nil)
	w = httptest.NewRecorder()
	srv.rxMem(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	buf.Release()
}

func TestGatherSegments(t *testing.T) {
	arena := testArena(t, "gather")
	buf, err := arena.Alloc(10)
	require.NoError(t, err)
	copy(buf.Bytes(), "0123456789")

	body, err := gatherSegments(arena, []Segment{
		{Addr: buf.Addr() + 5, Key: buf.Key(), Len: 5},
		{Addr: buf.Addr(), Key: buf.Key(), Len: 2},
	})
	require.NoError(t, err)
	require.Equal(t, "5678901", string(body))

	_, err = gatherSegments(arena, []Segment{{Addr: buf.Addr(), Key: 0, Len: 2}})
	require.Error(t, err)
	buf.Release()
}
