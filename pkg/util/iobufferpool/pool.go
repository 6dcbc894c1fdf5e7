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

package iobufferpool

import (
	"sync"
	"sync/atomic"
)

// Waiter is woken once when pool space is released.
type Waiter interface {
	Wakeup()
}

// Pool is a budgeted view over the byte pool. Get returns nil once the
// budget is exhausted; the caller is expected to register a Waiter and
// retry after the release broadcast instead of spinning.
type Pool struct {
	budget int64 // max outstanding bytes, <= 0 means unlimited
	inUse  atomic.Int64
	allocs atomic.Uint64
	frees  atomic.Uint64

	mu      sync.Mutex
	waiters []Waiter
}

// NewPool creates a pool with the given byte budget.
func NewPool(budget int64) *Pool {
	return &Pool{budget: budget}
}

// Get takes a buffer of the given size, or nil when the budget is
// exhausted.
func (p *Pool) Get(size int) *[]byte {
	if p.budget > 0 {
		if p.inUse.Add(int64(size)) > p.budget {
			p.inUse.Add(int64(-size))
			return nil
		}
	}
	p.allocs.Add(1)
	return GetBytes(size)
}

// Put releases a buffer and broadcasts to registered waiters.
func (p *Pool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	size := len(*buf)
	PutBytes(buf)
	p.frees.Add(1)
	if p.budget > 0 {
		p.inUse.Add(int64(-size))
	}

	p.mu.Lock()
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()
	for _, w := range waiters {
		w.Wakeup()
	}
}

// Wait registers w for the next release broadcast. A waiter is woken at
// most once per registration.
func (p *Pool) Wait(w Waiter) {
	p.mu.Lock()
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()
}

// Stats reports allocation counters and the number of outstanding bytes.
func (p *Pool) Stats() (allocs, frees uint64, inUse int64) {
	return p.allocs.Load(), p.frees.Load(), p.inUse.Load()
}
