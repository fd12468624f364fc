/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package hk_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/465583030/SparkRDMA/hk"
	"github.com/stretchr/testify/require"
)

func TestHousekeeperReg(t *testing.T) {
	hk.Init()

	var fired atomic.Int32
	hk.Reg(t.Name(), func() time.Duration {
		if fired.Add(1) >= 2 {
			return hk.UnregInterval // self-unregister after the second run
		}
		return 20 * time.Millisecond
	}, 20*time.Millisecond)

	require.Eventually(t, func() bool { return fired.Load() == 2 },
		2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 2, fired.Load(), "callback must stop after self-unregistering")
}

func TestHousekeeperUnreg(t *testing.T) {
	hk.Init()

	var fired atomic.Int32
	hk.Reg(t.Name(), func() time.Duration {
		fired.Add(1)
		return 20 * time.Millisecond
	}, 20*time.Millisecond)
	require.Eventually(t, func() bool { return fired.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)

	hk.Unreg(t.Name())
	time.Sleep(60 * time.Millisecond)
	n := fired.Load()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, n, fired.Load(), "unregistered callback must not fire again")
}
