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

// Package sched implements the cooperative tasklet scheduler the data
// path runs on. A tasklet is a short non-blocking callback; waking it
// while it runs requeues it instead of running it twice, so a given
// tasklet is always serialized with itself. Tasklets are executed by a
// fixed pool of workers.
package sched

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/edgerelay/edgerelay/pkg/logger"
)

// Tasklet run states.
const (
	stateIdle int32 = iota
	stateQueued
	stateRunning
	stateRunningQueued
)

// Tasklet is a single cooperative callback.
type Tasklet struct {
	process func()
	sched   *Scheduler
	state   int32
	wakeups atomic.Uint64
}

// Scheduler runs tasklets on a fixed worker pool.
type Scheduler struct {
	queue   chan *Tasklet
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// NewScheduler starts a scheduler with the given number of workers.
func NewScheduler(workers int) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	s := &Scheduler{
		queue: make(chan *Tasklet, 1024),
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

// Stop drains the workers. Pending tasklets are discarded.
func (s *Scheduler) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.queue)
		s.wg.Wait()
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for t := range s.queue {
		t.run()
	}
}

func (s *Scheduler) enqueue(t *Tasklet) {
	defer func() {
		// the scheduler is shutting down, drop the wakeup
		if r := recover(); r != nil {
			atomic.StoreInt32(&t.state, stateIdle)
		}
	}()
	s.queue <- t
}

// NewTasklet creates a tasklet running fn.
func (s *Scheduler) NewTasklet(fn func()) *Tasklet {
	return &Tasklet{process: fn, sched: s}
}

// Wakeup schedules the tasklet. It is idempotent while the tasklet is
// already queued, and requeues the tasklet if it is currently running.
func (t *Tasklet) Wakeup() {
	if t == nil {
		return
	}
	t.wakeups.Add(1)
	for {
		switch atomic.LoadInt32(&t.state) {
		case stateIdle:
			if atomic.CompareAndSwapInt32(&t.state, stateIdle, stateQueued) {
				t.sched.enqueue(t)
				return
			}
		case stateQueued, stateRunningQueued:
			return
		case stateRunning:
			if atomic.CompareAndSwapInt32(&t.state, stateRunning, stateRunningQueued) {
				return
			}
		}
	}
}

// Wakeups reports how many times Wakeup was called on the tasklet.
func (t *Tasklet) Wakeups() uint64 {
	if t == nil {
		return 0
	}
	return t.wakeups.Load()
}

func (t *Tasklet) run() {
	atomic.StoreInt32(&t.state, stateRunning)
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("tasklet panic: %v\n%s", r, string(debug.Stack()))
			}
		}()
		t.process()
	}()
	if !atomic.CompareAndSwapInt32(&t.state, stateRunning, stateIdle) {
		// woken while running, go again
		atomic.StoreInt32(&t.state, stateQueued)
		t.sched.enqueue(t)
	}
}
