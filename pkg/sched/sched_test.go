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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskletRuns(t *testing.T) {
	s := NewScheduler(2)
	defer s.Stop()

	done := make(chan struct{})
	tl := s.NewTasklet(func() { close(done) })
	tl.Wakeup()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasklet never ran")
	}
	assert.EqualValues(t, 1, tl.Wakeups())
}

// A tasklet never runs concurrently with itself, whatever the wakeup
// pressure.
func TestTaskletSelfSerialized(t *testing.T) {
	s := NewScheduler(4)
	defer s.Stop()

	var running, overlaps, runs atomic.Int32
	tl := s.NewTasklet(func() {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
		runs.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tl.Wakeup()
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return running.Load() == 0 && runs.Load() > 0
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, overlaps.Load())
}

// A wakeup arriving while the tasklet runs requeues it for one more
// pass instead of being lost.
func TestTaskletWakeupDuringRun(t *testing.T) {
	s := NewScheduler(1)
	defer s.Stop()

	var runs atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	tl := s.NewTasklet(func() {
		if runs.Add(1) == 1 {
			entered <- struct{}{}
			<-release
		}
	})

	tl.Wakeup()
	<-entered
	tl.Wakeup() // lands while running
	close(release)

	require.Eventually(t, func() bool { return runs.Load() == 2 },
		time.Second, time.Millisecond)
}

func TestTaskWakeReasonsAccumulate(t *testing.T) {
	s := NewScheduler(1)
	defer s.Stop()

	reasons := make(chan WakeReason, 8)
	entered := make(chan struct{})
	blocked := make(chan struct{})
	first := true
	tk := s.NewTask(func(r WakeReason) {
		if first {
			first = false
			entered <- struct{}{}
			<-blocked
		}
		reasons <- r
	})

	tk.Wakeup(WokenIO)
	<-entered

	// these two accumulate while the first run blocks
	tk.Wakeup(WokenMsg)
	tk.Wakeup(WokenRes)
	close(blocked)

	r := <-reasons
	assert.Equal(t, WokenIO, r&WokenIO)
	r = <-reasons
	assert.Equal(t, WokenMsg|WokenRes, r&(WokenMsg|WokenRes))
}

func TestTaskQueueFiresTimer(t *testing.T) {
	s := NewScheduler(1)
	defer s.Stop()

	fired := make(chan WakeReason, 1)
	tk := s.NewTask(func(r WakeReason) { fired <- r })

	expire := time.Now().Add(10 * time.Millisecond)
	tk.Queue(expire)
	assert.Equal(t, expire, tk.Expire())

	select {
	case r := <-fired:
		assert.Equal(t, WokenTimer, r&WokenTimer)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTaskQueueZeroDisarms(t *testing.T) {
	s := NewScheduler(1)
	defer s.Stop()

	fired := make(chan struct{}, 1)
	tk := s.NewTask(func(WakeReason) { fired <- struct{}{} })

	tk.Queue(time.Now().Add(5 * time.Millisecond))
	tk.Queue(time.Time{})

	select {
	case <-fired:
		t.Fatal("disarmed timer fired")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, tk.Expire().IsZero())
}

func TestFirstExpire(t *testing.T) {
	t1 := time.Now()
	t2 := t1.Add(time.Second)
	var zero time.Time

	assert.Equal(t, t1, FirstExpire(t1, t2))
	assert.Equal(t, t1, FirstExpire(t2, t1))
	assert.Equal(t, t1, FirstExpire(t1, zero))
	assert.Equal(t, t1, FirstExpire(zero, t1))
	assert.True(t, FirstExpire(zero, zero).IsZero())
}

func TestSchedulerStopDropsWakeups(t *testing.T) {
	s := NewScheduler(1)
	tl := s.NewTasklet(func() {})
	s.Stop()

	assert.NotPanics(t, func() { tl.Wakeup() })
}
