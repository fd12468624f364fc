/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package cos_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/465583030/SparkRDMA/cmn/cos"
	"github.com/stretchr/testify/require"
)

func TestTimeoutGroup(t *testing.T) {
	tg := cos.NewTimeoutGroup()
	tg.Add(2)
	go func() {
		tg.Done()
		tg.Done()
	}()
	require.False(t, tg.WaitTimeout(2*time.Second), "group should finish well before the timeout")

	tg = cos.NewTimeoutGroup()
	tg.Add(1)
	require.True(t, tg.WaitTimeout(50*time.Millisecond), "unfinished group must time out")
}

func TestTimeoutGroupStop(t *testing.T) {
	tg := cos.NewTimeoutGroup()
	tg.Add(1)
	stop := cos.NewStopCh()
	go stop.Close()
	timed, stopped := tg.WaitTimeoutWithStop(2*time.Second, stop.Listen())
	require.False(t, timed)
	require.True(t, stopped)
}

func TestDynSemaphore(t *testing.T) {
	const workers = 32
	var (
		sema    = cos.NewDynSemaphore(3)
		cur     atomic.Int32
		peak    atomic.Int32
		tg      = cos.NewTimeoutGroup()
	)
	tg.Add(workers)
	for range [workers]struct{}{} {
		go func() {
			sema.Acquire()
			c := cur.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			cur.Add(-1)
			sema.Release()
			tg.Done()
		}()
	}
	require.False(t, tg.WaitTimeout(5*time.Second))
	require.LessOrEqual(t, peak.Load(), int32(3))
}
