/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package directory

import (
	"github.com/465583030/SparkRDMA/memsys"
	"github.com/465583030/SparkRDMA/transport"
	"github.com/465583030/SparkRDMA/wire"
	"k8s.io/klog/v2"
)

// sendMsg sizes the message, allocates one registered buffer per segment,
// serializes into them, and posts the send. The segment buffers are released
// by the completion callback, successful or not.
func sendMsg(conn transport.Conn, arena *memsys.Arena, m wire.Msg, segSize int) error {
	sizes, err := wire.SizeSegments(m, segSize)
	if err != nil {
		return err
	}
	var (
		bufs = make([]*memsys.Buf, 0, len(sizes))
		segs = make([]transport.Segment, 0, len(sizes))
		raw  = make([][]byte, 0, len(sizes))
	)
	release := func() {
		for _, buf := range bufs {
			buf.Release()
		}
	}
	for _, size := range sizes {
		buf, err := arena.Alloc(int64(size))
		if err != nil {
			release()
			return err
		}
		bufs = append(bufs, buf)
		segs = append(segs, transport.Segment{Addr: buf.Addr(), Key: buf.Key(), Len: uint32(size)})
		raw = append(raw, buf.Bytes()[:size])
	}
	if err := wire.WriteSegments(m, raw, segSize); err != nil {
		release()
		return err
	}

	lsnr := transport.CompletionFunc{
		Completed: func(*memsys.Buf) { release() },
		Failed: func(err error) {
			klog.Errorf("send to %s failed: %v", conn.Peer(), err)
			release()
		},
	}
	if err := conn.PostSend(lsnr, segs); err != nil {
		release()
		return err
	}
	return nil
}
