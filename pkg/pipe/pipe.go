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

// Package pipe manages kernel pipes used for zero-copy transfers
// between two sockets. On platforms without splice support the pool
// simply never hands out pipes, which disables the fast path.
package pipe

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrNotSupported is reported where the platform has no splice support.
var ErrNotSupported = errors.New("pipe: splice not supported on this platform")

// Pipe is one kernel pipe. Data counts the bytes currently held in the
// kernel buffer.
type Pipe struct {
	rfd, wfd int
	Data     int
}

// Pool caps the number of pipes in flight process-wide.
type Pool struct {
	max  int32
	used atomic.Int32

	mu   sync.Mutex
	free []*Pipe
}

// NewPool creates a pipe pool holding at most max pipes.
func NewPool(max int) *Pool {
	return &Pool{max: int32(max)}
}

// Get returns a pipe, or nil when the pool is exhausted or the platform
// cannot splice. A nil return is not an error, only a signal to fall
// back to buffered copies.
func (p *Pool) Get() *Pipe {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		pp := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return pp
	}
	p.mu.Unlock()

	if p.used.Add(1) > p.max {
		p.used.Add(-1)
		return nil
	}
	pp, err := newPipe()
	if err != nil {
		p.used.Add(-1)
		return nil
	}
	return pp
}

// Put returns an empty pipe to the pool.
func (p *Pool) Put(pp *Pipe) {
	if pp == nil {
		return
	}
	if pp.Data != 0 {
		// a dirty pipe cannot be reused, drop it
		pp.close()
		p.used.Add(-1)
		return
	}
	p.mu.Lock()
	p.free = append(p.free, pp)
	p.mu.Unlock()
}

// Used reports the number of pipes currently drawn from the pool.
func (p *Pool) Used() int {
	return int(p.used.Load())
}
