// Package hk provides mechanism for registering cleanup
// functions which are invoked at specified intervals.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/465583030/SparkRDMA/cmn/cos"
	"k8s.io/klog/v2"
)

const workChanCap = 48

// UnregInterval: return this from a callback to unregister it.
const UnregInterval = 365 * 24 * time.Hour

type (
	cleanupFunc func() time.Duration

	op struct {
		f        cleanupFunc
		name     string
		interval time.Duration
	}
	timedAction struct {
		f          cleanupFunc
		name       string
		updateTime time.Time
	}
	timedActions []timedAction

	housekeeper struct {
		stopCh  *cos.StopCh
		timer   *time.Timer
		actions *timedActions
		workCh  chan op
	}
)

var (
	defHK  *housekeeper
	runOnce sync.Once
)

// Init starts the housekeeping loop; idempotent.
func Init() {
	runOnce.Do(func() {
		defHK = &housekeeper{
			stopCh:  cos.NewStopCh(),
			actions: &timedActions{},
			workCh:  make(chan op, workChanCap),
		}
		heap.Init(defHK.actions)
		go defHK.run()
	})
}

// Reg registers a cleanup callback under a unique name; the callback returns
// the interval until its next invocation.
func Reg(name string, f cleanupFunc, interval time.Duration) {
	Init()
	defHK.workCh <- op{name: name, f: f, interval: interval}
}

func Unreg(name string) {
	defHK.workCh <- op{name: name, interval: UnregInterval}
}

func Stop() { defHK.stopCh.Close() }

/////////////////
// housekeeper //
/////////////////

func (hk *housekeeper) run() {
	hk.timer = time.NewTimer(time.Hour)
	defer hk.timer.Stop()
	for {
		select {
		case <-hk.stopCh.Listen():
			return

		case <-hk.timer.C:
			if hk.actions.Len() == 0 {
				break
			}
			item := hk.actions.Peek()
			interval := item.f()
			if interval == UnregInterval {
				heap.Remove(hk.actions, 0)
			} else {
				item.updateTime = time.Now().Add(interval)
				heap.Fix(hk.actions, 0)
			}
			hk.updateTimer()

		case op := <-hk.workCh:
			idx := hk.byName(op.name)
			if op.interval == UnregInterval {
				if idx >= 0 {
					heap.Remove(hk.actions, idx)
				}
			} else if idx >= 0 {
				klog.Errorf("hk: duplicated name %q - not registering", op.name)
			} else {
				heap.Push(hk.actions, timedAction{
					name: op.name, f: op.f, updateTime: time.Now().Add(op.interval),
				})
			}
			hk.updateTimer()
		}
	}
}

func (hk *housekeeper) updateTimer() {
	if hk.actions.Len() == 0 {
		hk.timer.Stop()
		return
	}
	hk.timer.Reset(time.Until(hk.actions.Peek().updateTime))
}

func (hk *housekeeper) byName(name string) int {
	for i, tc := range *hk.actions {
		if tc.name == name {
			return i
		}
	}
	return -1
}

//////////////////
// timedActions //
//////////////////

func (tc timedActions) Len() int           { return len(tc) }
func (tc timedActions) Less(i, j int) bool { return tc[i].updateTime.Before(tc[j].updateTime) }
func (tc timedActions) Swap(i, j int)      { tc[i], tc[j] = tc[j], tc[i] }
func (tc timedActions) Peek() *timedAction { return &tc[0] }
func (tc *timedActions) Push(x any)        { *tc = append(*tc, x.(timedAction)) }

func (tc *timedActions) Pop() any {
	old := *tc
	n := len(old)
	item := old[n-1]
	*tc = old[0 : n-1]
	return item
}
