// Package cos provides common low-level types and utilities for the SparkRDMA shuffle projects.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package cos

import (
	"fmt"

	"k8s.io/klog/v2"
)

const assertMsg = "assertion failed"

// NOTE: not to be used in the datapath - consider the debug package flavors instead.
func Assertf(cond bool, f string, a ...any) {
	if !cond {
		AssertMsg(cond, fmt.Sprintf(f, a...))
	}
}

func Assert(cond bool) {
	if !cond {
		klog.Flush()
		panic(assertMsg)
	}
}

// NOTE: when using Sprintf and such, `if (!cond) { AssertMsg(false, msg) }` is the preferable usage.
func AssertMsg(cond bool, msg string) {
	if !cond {
		klog.Flush()
		panic(assertMsg + ": " + msg)
	}
}

func AssertNoErr(err error) {
	if err != nil {
		klog.Flush()
		panic(err)
	}
}
