// Package transport abstracts the remote-memory transport consumed by the
// shuffle; see api.go.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package transport

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/465583030/SparkRDMA/cluster"
	"github.com/465583030/SparkRDMA/memsys"
	"github.com/pkg/errors"
)

type (
	// HTTPDialer produces connections backed by net/http.
	HTTPDialer struct {
		client *http.Client
		arena  *memsys.Arena
		self   cluster.HostPort
	}

	httpConn struct {
		d    *HTTPDialer
		peer cluster.HostPort
	}
)

// interface guard
var (
	_ Dialer = (*HTTPDialer)(nil)
	_ Conn   = (*httpConn)(nil)
)

func NewHTTPDialer(self cluster.HostPort, arena *memsys.Arena) *HTTPDialer {
	return &HTTPDialer{
		self:  self,
		arena: arena,
		client: &http.Client{
			Transport: &http.Transport{MaxIdleConnsPerHost: 8, IdleConnTimeout: time.Minute},
		},
	}
}

func (d *HTTPDialer) Dial(peer cluster.HostPort) (Conn, error) {
	return &httpConn{d: d, peer: peer}, nil
}

func (c *httpConn) Peer() cluster.HostPort { return c.peer }
func (c *httpConn) Close() error           { return nil }

func (c *httpConn) PostSend(lsnr CompletionListener, segs []Segment) error {
	body, err := gatherSegments(c.d.arena, segs)
	if err != nil {
		return err
	}
	go func() {
		req, err := http.NewRequest(http.MethodPost, "http://"+c.peer.String()+MsgPath, bytes.NewReader(body))
		if err != nil {
			lsnr.OnFailed(err)
			return
		}
		req.Header.Set(HdrFrom, c.d.self.String())
		resp, err := c.d.client.Do(req)
		if err != nil {
			lsnr.OnFailed(errors.WithMessagef(err, "send to %s failed", c.peer))
			return
		}
		drainAndClose(resp.Body)
		if resp.StatusCode != http.StatusOK {
			lsnr.OnFailed(errors.Errorf("send to %s failed: %s", c.peer, resp.Status))
			return
		}
		lsnr.OnCompleted(nil)
	}()
	return nil
}

func (c *httpConn) PostRead(lsnr CompletionListener, local *memsys.Buf, remote []Segment) error {
	u, total := readURL(c.peer, remote)
	if total > local.Size() {
		return errors.Errorf("local buffer %d too small for read of %d", local.Size(), total)
	}
	go func() {
		resp, err := c.d.client.Get(u)
		if err != nil {
			lsnr.OnFailed(errors.WithMessagef(err, "remote read at %s failed", c.peer))
			return
		}
		defer drainAndClose(resp.Body)
		if resp.StatusCode != http.StatusOK {
			lsnr.OnFailed(errors.Errorf("remote read at %s failed: %s", c.peer, resp.Status))
			return
		}
		if _, err := io.ReadFull(resp.Body, local.Bytes()[:total]); err != nil {
			lsnr.OnFailed(errors.WithMessagef(err, "remote read at %s truncated", c.peer))
			return
		}
		lsnr.OnCompleted(local)
	}()
	return nil
}

//
// shared with the fasthttp client
//

// gatherSegments resolves local registered segments and concatenates their
// bytes into one request body, preserving order.
func gatherSegments(arena *memsys.Arena, segs []Segment) ([]byte, error) {
	var total int
	for _, seg := range segs {
		total += int(seg.Len)
	}
	body := make([]byte, 0, total)
	for _, seg := range segs {
		b, err := arena.ResolveRange(seg.Addr, seg.Len, seg.Key)
		if err != nil {
			return nil, errors.WithMessage(err, "bad send segment")
		}
		body = append(body, b...)
	}
	return body, nil
}

func readURL(peer cluster.HostPort, remote []Segment) (string, int64) {
	var (
		q     = make(url.Values, 3)
		total int64
	)
	for _, seg := range remote {
		q.Add("addr", strconv.FormatUint(seg.Addr, 10))
		q.Add("len", strconv.FormatUint(uint64(seg.Len), 10))
		q.Add("key", strconv.FormatUint(uint64(seg.Key), 10))
		total += int64(seg.Len)
	}
	return "http://" + peer.String() + MemPath + "?" + q.Encode(), total
}

func drainAndClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()
}
