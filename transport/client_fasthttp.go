// Package transport abstracts the remote-memory transport consumed by the
// shuffle; see api.go.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package transport

import (
	"github.com/465583030/SparkRDMA/cluster"
	"github.com/465583030/SparkRDMA/memsys"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
)

type (
	// FastDialer is the fasthttp flavor of HTTPDialer, for deployments where
	// the control-message rate warrants it.
	FastDialer struct {
		client *fasthttp.Client
		arena  *memsys.Arena
		self   cluster.HostPort
	}

	fastConn struct {
		d    *FastDialer
		peer cluster.HostPort
	}
)

// interface guard
var (
	_ Dialer = (*FastDialer)(nil)
	_ Conn   = (*fastConn)(nil)
)

func NewFastDialer(self cluster.HostPort, arena *memsys.Arena) *FastDialer {
	return &FastDialer{
		self:  self,
		arena: arena,
		client: &fasthttp.Client{
			MaxConnsPerHost: 8,
		},
	}
}

func (d *FastDialer) Dial(peer cluster.HostPort) (Conn, error) {
	return &fastConn{d: d, peer: peer}, nil
}

func (c *fastConn) Peer() cluster.HostPort { return c.peer }
func (c *fastConn) Close() error           { return nil }

func (c *fastConn) PostSend(lsnr CompletionListener, segs []Segment) error {
	body, err := gatherSegments(c.d.arena, segs)
	if err != nil {
		return err
	}
	go func() {
		req, resp := fasthttp.AcquireRequest(), fasthttp.AcquireResponse()
		defer func() {
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
		}()
		req.Header.SetMethod(fasthttp.MethodPost)
		req.SetRequestURI("http://" + c.peer.String() + MsgPath)
		req.Header.Set(HdrFrom, c.d.self.String())
		req.SetBodyRaw(body)
		if err := c.d.client.Do(req, resp); err != nil {
			lsnr.OnFailed(errors.WithMessagef(err, "send to %s failed", c.peer))
			return
		}
		if resp.StatusCode() != fasthttp.StatusOK {
			lsnr.OnFailed(errors.Errorf("send to %s failed: status %d", c.peer, resp.StatusCode()))
			return
		}
		lsnr.OnCompleted(nil)
	}()
	return nil
}

func (c *fastConn) PostRead(lsnr CompletionListener, local *memsys.Buf, remote []Segment) error {
	u, total := readURL(c.peer, remote)
	if total > local.Size() {
		return errors.Errorf("local buffer %d too small for read of %d", local.Size(), total)
	}
	go func() {
		req, resp := fasthttp.AcquireRequest(), fasthttp.AcquireResponse()
		defer func() {
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
		}()
		req.SetRequestURI(u)
		if err := c.d.client.Do(req, resp); err != nil {
			lsnr.OnFailed(errors.WithMessagef(err, "remote read at %s failed", c.peer))
			return
		}
		if resp.StatusCode() != fasthttp.StatusOK {
			lsnr.OnFailed(errors.Errorf("remote read at %s failed: status %d", c.peer, resp.StatusCode()))
			return
		}
		body := resp.Body()
		if int64(len(body)) < total {
			lsnr.OnFailed(errors.Errorf("remote read at %s truncated: %d of %d bytes", c.peer, len(body), total))
			return
		}
		copy(local.Bytes()[:total], body)
		lsnr.OnCompleted(local)
	}()
	return nil
}
