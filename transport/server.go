// Package transport abstracts the remote-memory transport consumed by the
// shuffle; see api.go.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/465583030/SparkRDMA/cluster"
	"github.com/465583030/SparkRDMA/cmn/cos"
	"github.com/465583030/SparkRDMA/hk"
	"github.com/465583030/SparkRDMA/memsys"
	"github.com/OneOfOne/xxhash"
	"k8s.io/klog/v2"
)

// HTTP emulation of the remote-memory transport, in lieu of RDMA hardware:
// - POST MsgPath   carries a train of wire segments, each prefixed by its
//   own [i32 totalLength] header (the Rx loop below splits on it);
// - GET  MemPath   serves one-sided reads straight out of the registered
//   arena, addressed by repeated (addr, len, key) query triples.

const (
	MsgPath = "/v1/msg"
	MemPath = "/v1/mem"

	HdrFrom = "X-Shuffle-From"

	maxSegment      = 1 * cos.MiB     // sanity bound on a single control segment
	cleanupInterval = 10 * time.Minute // stale session stats
)

type (
	// per-sender receive stats
	SessionStats struct {
		Num  atomic.Int64
		Size atomic.Int64
	}

	Server struct {
		arena       *memsys.Arena
		recv        RecvMsg
		srv         *http.Server
		hp          cluster.HostPort
		hkName      string
		extra       map[string]http.Handler
		sessions    sync.Map // uint64 -> *SessionStats
		oldSessions sync.Map // uint64 -> time.Time
	}
)

func NewServer(hp cluster.HostPort, arena *memsys.Arena, recv RecvMsg) *Server {
	return &Server{hp: hp, arena: arena, recv: recv, hkName: "transport.sessions." + hp.String()}
}

func (s *Server) SetRecv(recv RecvMsg) { s.recv = recv }

// Handle mounts an additional handler (e.g. metrics) on the server's mux.
// Must be called before Start.
func (s *Server) Handle(path string, h http.Handler) {
	if s.extra == nil {
		s.extra = make(map[string]http.Handler)
	}
	s.extra[path] = h
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(MsgPath, s.rxMsg)
	mux.HandleFunc(MemPath, s.rxMem)
	for path, h := range s.extra {
		mux.Handle(path, h)
	}
	s.srv = &http.Server{Addr: s.hp.String(), Handler: mux}
	hk.Reg(s.hkName, s.cleanupOldSessions, cleanupInterval)

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		klog.Infof("transport: listening at %s", s.hp)
		return nil
	}
}

func (s *Server) Shutdown() {
	hk.Unreg(s.hkName)
	if s.srv != nil {
		_ = s.srv.Close()
	}
}

// Rx loop: split the request body into segments on the leading totalLength
// and hand each to the receive callback.
func (s *Server) rxMsg(w http.ResponseWriter, r *http.Request) {
	from, err := cluster.ParseHostPort(r.Header.Get(HdrFrom))
	if err != nil {
		invalidHandler(w, r, fmt.Sprintf("transport: missing or bad %s header: %v", HdrFrom, err))
		return
	}
	stats := s.sessionStats(r.RemoteAddr)
	var lenbuf [cos.SizeofI32]byte
	for {
		if _, err := io.ReadFull(r.Body, lenbuf[:]); err != nil {
			if err != io.EOF {
				invalidHandler(w, r, fmt.Sprintf("transport: failed to receive segment header: %v", err))
			}
			return
		}
		total := int32(binary.BigEndian.Uint32(lenbuf[:]))
		if total < int32(len(lenbuf)) || total > maxSegment {
			invalidHandler(w, r, fmt.Sprintf("transport: invalid segment length %d", total))
			return
		}
		seg := make([]byte, total)
		copy(seg, lenbuf[:])
		if _, err := io.ReadFull(r.Body, seg[len(lenbuf):]); err != nil {
			invalidHandler(w, r, fmt.Sprintf("transport: truncated segment (%d bytes): %v", total, err))
			return
		}
		stats.Num.Add(1)
		stats.Size.Add(int64(total))
		s.recv(from, seg)
	}
}

// one-sided read: resolve every (addr, len, key) triple against the arena
// and stream the ranges back-to-back
func (s *Server) rxMem(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	addrs, lens, keys := q["addr"], q["len"], q["key"]
	if len(addrs) == 0 || len(addrs) != len(lens) || len(addrs) != len(keys) {
		invalidHandler(w, r, "transport: malformed remote-read query")
		return
	}
	for i := range addrs {
		addr, err1 := strconv.ParseUint(addrs[i], 10, 64)
		length, err2 := strconv.ParseUint(lens[i], 10, 32)
		key, err3 := strconv.ParseUint(keys[i], 10, 32)
		if err1 != nil || err2 != nil || err3 != nil {
			invalidHandler(w, r, "transport: malformed remote-read range")
			return
		}
		b, err := s.arena.ResolveRange(addr, uint32(length), uint32(key))
		if err != nil {
			invalidHandler(w, r, err.Error())
			return
		}
		if _, err := w.Write(b); err != nil {
			klog.Errorf("transport: remote read reply to %s interrupted: %v", r.RemoteAddr, err)
			return
		}
	}
}

func (s *Server) sessionStats(remoteAddr string) *SessionStats {
	uid := xxhash.ChecksumString64S(remoteAddr, cos.MLCG32)
	statsif, loaded := s.sessions.LoadOrStore(uid, &SessionStats{})
	if !loaded {
		s.oldSessions.Store(uid, time.Now())
	}
	return statsif.(*SessionStats)
}

func (s *Server) cleanupOldSessions() time.Duration {
	now := time.Now()
	s.oldSessions.Range(func(key, value any) bool {
		uid := key.(uint64)
		started := value.(time.Time)
		if now.Sub(started) > cleanupInterval {
			s.oldSessions.Delete(uid)
			s.sessions.Delete(uid)
		}
		return true
	})
	return cleanupInterval
}

func invalidHandler(w http.ResponseWriter, r *http.Request, msg string) {
	klog.Errorf("%s (%s %s from %s)", msg, r.Method, r.URL.Path, r.RemoteAddr)
	http.Error(w, msg, http.StatusBadRequest)
}
