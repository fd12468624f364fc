//go:build deadbeef

// Package memsys manages registered memory: slab-backed, reference-counted
// buffers that remote peers may read directly by (address, key) without a
// byte-stream protocol in between.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package memsys

const deadBEEF = "DEADBEEF"

func deadbeef(b []byte) {
	l := len(b)
	for i := 0; i < l; i += len(deadBEEF) {
		copy(b[i:], deadBEEF)
	}
}
