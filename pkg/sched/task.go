/*
 * Copyright (c) 2024, The edgerelay Authors
 * All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package sched

import (
	"sync"
	"sync/atomic"
	"time"
)

// WakeReason tells a task why it was woken. Reasons accumulate between
// two runs of the task.
type WakeReason uint32

// Wake reasons.
const (
	WokenIO WakeReason = 1 << iota
	WokenMsg
	WokenTimer
	WokenRes
)

// Task is a tasklet with an expiration deadline. It drives a long-lived
// owner (a stream, a health check) rather than one I/O completion.
type Task struct {
	tasklet *Tasklet
	fn      func(WakeReason)
	pending atomic.Uint32

	mu     sync.Mutex
	expire time.Time // zero means no deadline
	timer  *time.Timer
}

// NewTask creates a task running fn on the scheduler's workers.
func (s *Scheduler) NewTask(fn func(WakeReason)) *Task {
	tk := &Task{fn: fn}
	tk.tasklet = s.NewTasklet(tk.run)
	return tk
}

func (tk *Task) run() {
	reason := WakeReason(tk.pending.Swap(0))
	tk.fn(reason)
}

// Wakeup schedules the task with the given reason.
func (tk *Task) Wakeup(reason WakeReason) {
	if tk == nil {
		return
	}
	for {
		old := tk.pending.Load()
		if tk.pending.CompareAndSwap(old, old|uint32(reason)) {
			break
		}
	}
	tk.tasklet.Wakeup()
}

// Wakeups reports how many wakeups the task received.
func (tk *Task) Wakeups() uint64 {
	if tk == nil {
		return 0
	}
	return tk.tasklet.Wakeups()
}

// Expire returns the current deadline, zero if none.
func (tk *Task) Expire() time.Time {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	return tk.expire
}

// Queue (re)arms the task's deadline. The task is woken with WokenTimer
// when the deadline fires. A zero deadline disarms the timer.
func (tk *Task) Queue(expire time.Time) {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	tk.expire = expire
	if tk.timer != nil {
		tk.timer.Stop()
		tk.timer = nil
	}
	if expire.IsZero() {
		return
	}
	d := time.Until(expire)
	if d < 0 {
		d = 0
	}
	tk.timer = time.AfterFunc(d, func() {
		tk.Wakeup(WokenTimer)
	})
}

// Stop disarms the task's timer. Already-queued runs still happen.
func (tk *Task) Stop() {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	if tk.timer != nil {
		tk.timer.Stop()
		tk.timer = nil
	}
	tk.expire = time.Time{}
}

// FirstExpire returns the earlier of two deadlines, treating zero as
// "never".
func FirstExpire(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.Before(b) {
		return a
	}
	return b
}
