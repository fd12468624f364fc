// Package cos provides common low-level types and utilities for the SparkRDMA shuffle projects.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package cos

import (
	"encoding/binary"
	"errors"

	"github.com/465583030/SparkRDMA/cmn/debug"
)

// Compact big-endian binary packing for the shuffle wire messages.
//
// Every struct that goes on the wire implements both interfaces: Packer
// to write itself into a pre-allocated buffer, and Unpacker to restore
// itself from a received one. There is no type checking and no automatic
// marshaling - the caller is responsible for sizing the buffer (see
// PackedSize) and for reading fields back in the exact order they were
// written.
//
// Strings are length-prefixed with uint16 - host names are the only
// variable-length data on this wire and are well within that bound.

type (
	BytePack struct {
		b   []byte
		off int
	}

	ByteUnpack struct {
		b   []byte
		off int
	}

	Unpacker interface {
		Unpack(unpacker *ByteUnpack) error
	}

	Packer interface {
		Pack(packer *BytePack)
		PackedSize() int
	}
)

// string/byte-slice lengths are packed as uint16
const SizeofLen = SizeofI16

var ErrBufferUnderrun = errors.New("buffer underrun")

// PackedStrLen returns the size occupied by a given string in the output.
func PackedStrLen(s string) int { return SizeofLen + len(s) }

func NewUnpacker(buf []byte) *ByteUnpack { return &ByteUnpack{b: buf} }

func NewPacker(buf []byte, bufLen int) *BytePack {
	if buf == nil {
		return &BytePack{b: make([]byte, bufLen)}
	}
	return &BytePack{b: buf}
}

//
// Unpacker
//

func (br *ByteUnpack) Bytes() []byte { return br.b }
func (br *ByteUnpack) Remaining() int { return len(br.b) - br.off }

func (br *ByteUnpack) ReadByte() (byte, error) {
	if br.off >= len(br.b) {
		return 0, ErrBufferUnderrun
	}
	b := br.b[br.off]
	br.off++
	return b, nil
}

func (br *ByteUnpack) ReadBool() (bool, error) {
	bt, err := br.ReadByte()
	return bt != 0, err
}

func (br *ByteUnpack) ReadInt64() (int64, error) {
	n, err := br.ReadUint64()
	return int64(n), err
}

func (br *ByteUnpack) ReadUint64() (uint64, error) {
	if br.Remaining() < SizeofI64 {
		return 0, ErrBufferUnderrun
	}
	n := binary.BigEndian.Uint64(br.b[br.off:])
	br.off += SizeofI64
	return n, nil
}

func (br *ByteUnpack) ReadInt32() (int32, error) {
	n, err := br.ReadUint32()
	return int32(n), err
}

func (br *ByteUnpack) ReadUint32() (uint32, error) {
	if br.Remaining() < SizeofI32 {
		return 0, ErrBufferUnderrun
	}
	n := binary.BigEndian.Uint32(br.b[br.off:])
	br.off += SizeofI32
	return n, nil
}

func (br *ByteUnpack) ReadInt16() (int16, error) {
	n, err := br.ReadUint16()
	return int16(n), err
}

func (br *ByteUnpack) ReadUint16() (uint16, error) {
	if br.Remaining() < SizeofI16 {
		return 0, ErrBufferUnderrun
	}
	n := binary.BigEndian.Uint16(br.b[br.off:])
	br.off += SizeofI16
	return n, nil
}

func (br *ByteUnpack) ReadString() (string, error) {
	l, err := br.ReadUint16()
	if err != nil {
		return "", err
	}
	if br.Remaining() < int(l) {
		return "", ErrBufferUnderrun
	}
	start := br.off
	br.off += int(l)
	return string(br.b[start : start+int(l)]), nil
}

func (br *ByteUnpack) ReadAny(st Unpacker) error { return st.Unpack(br) }

//
// Packer
//

func (bw *BytePack) WriteByte(b byte) {
	bw.b[bw.off] = b
	bw.off++
}

func (bw *BytePack) WriteBool(b bool) {
	if b {
		bw.b[bw.off] = 1
	} else {
		bw.b[bw.off] = 0
	}
	bw.off++
}

func (bw *BytePack) WriteInt64(i int64) { bw.WriteUint64(uint64(i)) }

func (bw *BytePack) WriteUint64(i uint64) {
	binary.BigEndian.PutUint64(bw.b[bw.off:], i)
	bw.off += SizeofI64
}

func (bw *BytePack) WriteInt32(i int32) { bw.WriteUint32(uint32(i)) }

func (bw *BytePack) WriteUint32(i uint32) {
	binary.BigEndian.PutUint32(bw.b[bw.off:], i)
	bw.off += SizeofI32
}

func (bw *BytePack) WriteInt16(i int16) { bw.WriteUint16(uint16(i)) }

func (bw *BytePack) WriteUint16(i uint16) {
	binary.BigEndian.PutUint16(bw.b[bw.off:], i)
	bw.off += SizeofI16
}

func (bw *BytePack) WriteString(s string) {
	l := len(s)
	bw.WriteUint16(uint16(l))
	if l == 0 {
		return
	}
	written := copy(bw.b[bw.off:], s)
	Assert(written == l)
	bw.off += l
}

func (bw *BytePack) WriteAny(st Packer) {
	prev := bw.off
	st.Pack(bw)
	debug.Assertf(
		bw.off-prev == st.PackedSize(),
		"%T declared %d, saved %d: %+v", st, st.PackedSize(), bw.off-prev, st,
	)
}

func (bw *BytePack) Bytes() []byte { return bw.b[:bw.off] }
