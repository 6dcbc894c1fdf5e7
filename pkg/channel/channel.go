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

// Package channel implements the byte channel sitting between the two
// stream connectors of a stream. A channel holds one pooled buffer
// split in two regions: output bytes (scheduled for sending) at the
// head, input bytes (received, not yet forwarded) at the tail. It also
// carries the forward budget and the event flags the connector layer
// reconciles after every I/O.
package channel

import (
	"time"

	"github.com/edgerelay/edgerelay/pkg/pipe"
	"github.com/edgerelay/edgerelay/pkg/util/fasttime"
	"github.com/edgerelay/edgerelay/pkg/util/iobufferpool"
)

// Flags carried by a channel.
type Flags uint32

// Channel event and policy flags.
const (
	// ReadEvent records a read activity since the last reconciliation.
	ReadEvent Flags = 1 << iota
	// WriteEvent records a write activity since the last reconciliation.
	WriteEvent
	// WroteData is set once any data was ever written to the channel.
	WroteData
	// WriteTimeout records that a write timeout was observed.
	WriteTimeout
	// AutoClose lets an end-of-stream be forwarded as a shutdown to the
	// consumer side automatically.
	AutoClose
	// DontRead tells the producer to stop feeding the channel.
	DontRead
	// WakeWrite asks to wake the owner on write events.
	WakeWrite
	// KernSplicing permits the zero-copy path on this channel.
	KernSplicing
	// Streamer marks a channel observed to carry sustained transfers.
	Streamer
	// StreamerFast marks a channel filling its buffer on every read.
	StreamerFast
)

// InfiniteForward makes forwarding unbounded.
const InfiniteForward = ^uint64(0)

// Channel is one direction of a stream.
type Channel struct {
	flags  Flags
	pool   *iobufferpool.Pool
	buf    *[]byte // pooled storage, nil until first receive
	data   []byte  // data[:output] is output, data[output:] is input
	output int
	size   int // storage capacity

	// ToForward is the number of input bytes that may move to the
	// output region without the owner looking at them.
	ToForward uint64
	// Total counts every byte that ever entered the channel.
	Total uint64

	// Transfer-pattern streaks feeding the streamer heuristic.
	XferSmall int
	XferLarge int

	// LastRead is the time of the last read activity.
	LastRead time.Time

	// Pipe holds spliced bytes flying around the buffer, if any.
	Pipe *pipe.Pipe

	// AnalyseExp is the deadline of the owner's pending analysis, if
	// any. Used when recomputing the owner task's expiration.
	AnalyseExp time.Time
}

// New creates a channel whose buffer, once allocated, holds up to size
// bytes drawn from pool.
func New(size int, pool *iobufferpool.Pool) *Channel {
	return &Channel{size: size, pool: pool, LastRead: fasttime.Now()}
}

// Has reports whether all of the given flags are set.
func (c *Channel) Has(f Flags) bool { return c.flags&f == f }

// HasAny reports whether any of the given flags is set.
func (c *Channel) HasAny(f Flags) bool { return c.flags&f != 0 }

// Set sets the given flags.
func (c *Channel) Set(f Flags) { c.flags |= f }

// Clr clears the given flags.
func (c *Channel) Clr(f Flags) { c.flags &^= f }

// IsEmpty reports whether the channel has nothing to send: no output
// bytes and no spliced bytes.
func (c *Channel) IsEmpty() bool {
	return c.output == 0 && (c.Pipe == nil || c.Pipe.Data == 0)
}

// OutputData returns the number of bytes scheduled for sending.
func (c *Channel) OutputData() int { return c.output }

// InputData returns the number of received bytes not yet scheduled.
func (c *Channel) InputData() int { return len(c.data) - c.output }

// Data returns the total number of buffered bytes.
func (c *Channel) Data() int { return len(c.data) }

// Size returns the buffer capacity limit.
func (c *Channel) Size() int { return c.size }

// RecvMax returns the free room available for new input.
func (c *Channel) RecvMax() int {
	return c.size - len(c.data)
}

// Full reports whether the buffer cannot take reserve more bytes.
func (c *Channel) Full(reserve int) bool {
	return len(c.data)+reserve >= c.size
}

// EnsureBuffer lazily allocates the backing storage. It returns false
// when the pool budget is exhausted; the caller is expected to register
// with the pool and retry after the release broadcast.
func (c *Channel) EnsureBuffer() bool {
	if c.buf != nil {
		return true
	}
	buf := c.pool.Get(c.size)
	if buf == nil {
		return false
	}
	c.buf = buf
	c.data = (*buf)[:0]
	return true
}

// ReleaseBuffer returns an empty buffer to the pool.
func (c *Channel) ReleaseBuffer() {
	if c.buf == nil || len(c.data) != 0 {
		return
	}
	c.data = nil
	c.pool.Put(c.buf)
	c.buf = nil
}

// AddInput appends p into the input region, up to the available room,
// and returns the number of bytes copied. The storage must have been
// allocated beforehand.
func (c *Channel) AddInput(p []byte) int {
	if c.buf == nil {
		return 0
	}
	room := c.RecvMax()
	if room <= 0 {
		return 0
	}
	if len(p) > room {
		p = p[:room]
	}
	c.data = append(c.data, p...)
	c.Total += uint64(len(p))
	return len(p)
}

// Advance schedules n input bytes for sending, moving them to the
// output region. n is clamped to the available input.
func (c *Channel) Advance(n int) {
	if in := c.InputData(); n > in {
		n = in
	}
	c.output += n
}

// ConsumeOutput drops n sent bytes from the head of the buffer and
// keeps the unsent remainder contiguous.
func (c *Channel) ConsumeOutput(n int) {
	if n > c.output {
		n = c.output
	}
	if n == 0 {
		return
	}
	rest := copy(c.data, c.data[n:])
	c.data = c.data[:rest]
	c.output -= n
}

// OutputBytes exposes the output region for a consumer to send from.
func (c *Channel) OutputBytes() []byte {
	return c.data[:c.output]
}

// InputBytes exposes the input region.
func (c *Channel) InputBytes() []byte {
	return c.data[c.output:]
}

// ForwardBudget consumes up to n from the forward budget and returns
// how much may actually be advanced.
func (c *Channel) ForwardBudget(n int) int {
	if c.ToForward == InfiniteForward {
		return n
	}
	if uint64(n) > c.ToForward {
		n = int(c.ToForward)
	}
	c.ToForward -= uint64(n)
	return n
}
