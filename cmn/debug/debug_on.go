//go:build debug

// Package debug provides debug utilities.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package debug

import (
	"fmt"

	"k8s.io/klog/v2"
)

func Enabled() bool { return true }

func Infof(f string, a ...any)  { klog.InfofDepth(1, "[DEBUG] "+f, a...) }
func Errorf(f string, a ...any) { klog.ErrorfDepth(1, "[DEBUG] "+f, a...) }

func Func(f func()) { f() }

func Assert(cond bool, a ...any) {
	if !cond {
		klog.Flush()
		if len(a) > 0 {
			panic("DEBUG PANIC: " + fmt.Sprint(a...))
		}
		panic("DEBUG PANIC")
	}
}

func AssertFunc(f func() bool, a ...any) { Assert(f(), a...) }

func Assertf(cond bool, f string, a ...any) {
	if !cond {
		Assert(false, fmt.Sprintf(f, a...))
	}
}

func AssertMsg(cond bool, msg string) { Assert(cond, msg) }

func AssertNoErr(err error) {
	if err != nil {
		Assert(false, err.Error())
	}
}
