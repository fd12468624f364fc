// Package cos provides common low-level types and utilities for the SparkRDMA shuffle projects.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package cos

import (
	"time"
	"unsafe"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

const (
	SizeofI64 = int(unsafe.Sizeof(uint64(0)))
	SizeofI32 = int(unsafe.Sizeof(uint32(0)))
	SizeofI16 = int(unsafe.Sizeof(uint16(0)))
)

// MLCG32 is a [0, 2^32) multiplicative linear congruential generator seed,
// used for salting session hashes.
const MLCG32 = 1103515245

// Duration is a time.Duration that marshals to and from its string form.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }
func (d Duration) String() string   { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return jsoniter.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := jsoniter.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.WithMessagef(err, "invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// MustMarshal marshals v and panics on error (errors are impossible for the
// local config and control types this is used with).
func MustMarshal(v any) []byte {
	b, err := jsoniter.Marshal(v)
	AssertNoErr(err)
	return b
}

func DivCeil(a, b int64) int64 { return (a + b - 1) / b }
