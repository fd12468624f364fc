//go:build !debug

// Package debug provides debug utilities.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package debug

func Enabled() bool { return false }

func Infof(string, ...any)  {}
func Errorf(string, ...any) {}

func Func(func()) {}

func Assert(bool, ...any)          {}
func AssertFunc(func() bool, ...any) {}
func Assertf(bool, string, ...any) {}
func AssertMsg(bool, string)       {}
func AssertNoErr(error)            {}
