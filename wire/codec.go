// Package wire defines the shuffle directory RPC messages and their
// segmentation into fixed-capacity transport buffers.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package wire

import (
	"github.com/pkg/errors"

	"github.com/465583030/SparkRDMA/cluster"
	"github.com/465583030/SparkRDMA/cmn"
	"github.com/465583030/SparkRDMA/cmn/cos"
	"github.com/465583030/SparkRDMA/cmn/debug"
)

// Every segment begins with [i32 totalLength][i32 typeTag]; totalLength lets
// the receiver bound reads within a larger pre-posted buffer. A logical
// message may not fit one segment: records are packed greedily, opening a new
// segment when the next record would overflow the current one. Sizing and
// writing MUST partition records identically - both run off the same
// boundaries() - or segments overflow.

const HdrSize = 2 * cos.SizeofI32

// SizeSegments returns the full byte size (header included) of every segment
// the message will occupy when packed into segments of at most maxSeg bytes.
// A single record that cannot fit any segment (e.g. an overlong hostname vs a
// small configured segment size) is an error, not a panic.
func SizeSegments(m Msg, maxSeg int) ([]int, error) {
	bounds, err := boundaries(m, maxSeg)
	if err != nil {
		return nil, err
	}
	sizes := make([]int, len(bounds))
	for i, bnd := range bounds {
		size := HdrSize + prologueSize(m)
		for rec := bnd[0]; rec < bnd[1]; rec++ {
			size += recordSize(m, rec)
		}
		sizes[i] = size
	}
	return sizes, nil
}

// WriteSegments emits the message into pre-sized segment buffers, one
// segment per buffer, in the same greedy order used for sizing; maxSeg must
// be the capacity passed to SizeSegments.
func WriteSegments(m Msg, segs [][]byte, maxSeg int) error {
	bounds, err := boundaries(m, maxSeg)
	if err != nil {
		return err
	}
	debug.Assertf(len(bounds) == len(segs), "segment count mismatch: %d vs %d", len(bounds), len(segs))
	for i, bnd := range bounds {
		var (
			lastSeg = i == len(segs)-1
			packer  = cos.NewPacker(segs[i], len(segs[i]))
		)
		packer.WriteInt32(int32(len(segs[i])))
		packer.WriteInt32(m.Tag())
		writePrologue(m, packer, lastSeg)
		for rec := bnd[0]; rec < bnd[1]; rec++ {
			writeRecord(m, packer, rec)
		}
		debug.Assertf(len(packer.Bytes()) == len(segs[i]),
			"segment %d: wrote %d of %d bytes", i, len(packer.Bytes()), len(segs[i]))
	}
	return nil
}

// Decode reads the 8-byte header off an arbitrary received buffer, bounds the
// payload by totalLength, and runs the type-specific reader. List-valued
// messages read records until the byte buffer is exhausted; Publish
// additionally carries the explicit IsLast marker.
func Decode(buf []byte) (Msg, error) {
	unpacker := cos.NewUnpacker(buf)
	total, err := unpacker.ReadInt32()
	if err != nil {
		return nil, &cmn.ErrDecode{Cause: err}
	}
	tag, err := unpacker.ReadInt32()
	if err != nil {
		return nil, &cmn.ErrDecode{Cause: err}
	}
	if int(total) < HdrSize || int(total) > len(buf) {
		return nil, &cmn.ErrDecode{TypeTag: tag, Cause: cos.ErrBufferUnderrun}
	}
	unpacker = cos.NewUnpacker(buf[HdrSize:total])

	switch tag {
	case TagPublish:
		return decodePublish(unpacker)
	case TagFetch:
		return decodeFetch(unpacker)
	case TagHello:
		msg := &Hello{}
		if err := unpacker.ReadAny(&msg.From); err != nil {
			return nil, &cmn.ErrDecode{TypeTag: tag, Cause: err}
		}
		return msg, nil
	case TagAnnounce:
		return decodeAnnounce(unpacker)
	default:
		return nil, &cmn.ErrDecode{TypeTag: tag}
	}
}

func decodePublish(unpacker *cos.ByteUnpack) (Msg, error) {
	msg := &Publish{}
	isLast, err := unpacker.ReadBool()
	if err != nil {
		return nil, &cmn.ErrDecode{TypeTag: TagPublish, Cause: err}
	}
	msg.IsLast = isLast
	if msg.ShuffleID, err = unpacker.ReadInt32(); err != nil {
		return nil, &cmn.ErrDecode{TypeTag: TagPublish, Cause: err}
	}
	// end-of-buffer is the natural terminator
	for unpacker.Remaining() > 0 {
		var rec PublishRecord
		if err := unpacker.ReadAny(&rec); err != nil {
			return nil, &cmn.ErrDecode{TypeTag: TagPublish, Cause: err}
		}
		msg.Records = append(msg.Records, rec)
	}
	return msg, nil
}

func decodeFetch(unpacker *cos.ByteUnpack) (Msg, error) {
	var (
		msg = &Fetch{}
		err error
	)
	if err = unpacker.ReadAny(&msg.From); err != nil {
		return nil, &cmn.ErrDecode{TypeTag: TagFetch, Cause: err}
	}
	if msg.ShuffleID, err = unpacker.ReadInt32(); err != nil {
		return nil, &cmn.ErrDecode{TypeTag: TagFetch, Cause: err}
	}
	if msg.PartitionID, err = unpacker.ReadInt32(); err != nil {
		return nil, &cmn.ErrDecode{TypeTag: TagFetch, Cause: err}
	}
	return msg, nil
}

func decodeAnnounce(unpacker *cos.ByteUnpack) (Msg, error) {
	msg := &Announce{}
	for unpacker.Remaining() > 0 {
		var hp cluster.HostPort
		if err := unpacker.ReadAny(&hp); err != nil {
			return nil, &cmn.ErrDecode{TypeTag: TagAnnounce, Cause: err}
		}
		msg.Peers = append(msg.Peers, hp)
	}
	return msg, nil
}

//
// greedy packing
//

// boundaries partitions the message's records into per-segment index ranges
// [from, to). Fixed-payload messages always occupy exactly one segment.
func boundaries(m Msg, maxSeg int) ([][2]int, error) {
	var (
		fixed = HdrSize + prologueSize(m)
		n     = numRecords(m)
	)
	if fixed > maxSeg {
		return nil, errors.Errorf("wire: fixed prologue (%d bytes) exceeds segment capacity %d", fixed, maxSeg)
	}
	bounds := make([][2]int, 0, 1)
	cur, start := fixed, 0
	for rec := 0; rec < n; rec++ {
		rs := recordSize(m, rec)
		if fixed+rs > maxSeg {
			return nil, errors.Errorf("wire: record %d (%d bytes) exceeds segment capacity %d", rec, rs, maxSeg)
		}
		if cur+rs > maxSeg {
			bounds = append(bounds, [2]int{start, rec})
			cur, start = fixed, rec
		}
		cur += rs
	}
	return append(bounds, [2]int{start, n}), nil
}

func numRecords(m Msg) int {
	switch msg := m.(type) {
	case *Publish:
		return len(msg.Records)
	case *Announce:
		return len(msg.Peers)
	default:
		return 0
	}
}

func recordSize(m Msg, rec int) int {
	switch msg := m.(type) {
	case *Publish:
		return msg.Records[rec].PackedSize()
	case *Announce:
		return msg.Peers[rec].PackedSize()
	}
	debug.Assert(false, m.Tag())
	return 0
}

func prologueSize(m Msg) int {
	switch msg := m.(type) {
	case *Publish:
		return 1 + cos.SizeofI32 // isLast + shuffleId, repeated in every segment
	case *Fetch:
		return msg.From.PackedSize() + 2*cos.SizeofI32
	case *Hello:
		return msg.From.PackedSize()
	case *Announce:
		return 0
	}
	debug.Assert(false, m.Tag())
	return 0
}

func writePrologue(m Msg, packer *cos.BytePack, lastSeg bool) {
	switch msg := m.(type) {
	case *Publish:
		packer.WriteBool(msg.IsLast && lastSeg)
		packer.WriteInt32(msg.ShuffleID)
	case *Fetch:
		packer.WriteAny(&msg.From)
		packer.WriteInt32(msg.ShuffleID)
		packer.WriteInt32(msg.PartitionID)
	case *Hello:
		packer.WriteAny(&msg.From)
	case *Announce:
	}
}

func writeRecord(m Msg, packer *cos.BytePack, rec int) {
	switch msg := m.(type) {
	case *Publish:
		packer.WriteAny(&msg.Records[rec])
	case *Announce:
		packer.WriteAny(&msg.Peers[rec])
	}
}
