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

// Package mux implements the passthrough multiplexer: one descriptor,
// one raw TCP connection, no framing. All socket I/O is non-blocking
// through the connection's RawConn; two notifier goroutines park in
// the runtime poller and translate readiness into tasklet wakeups, so
// the data path itself never blocks a worker.
package mux

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/edgerelay/edgerelay/pkg/channel"
	"github.com/edgerelay/edgerelay/pkg/logger"
	"github.com/edgerelay/edgerelay/pkg/pipe"
	"github.com/edgerelay/edgerelay/pkg/streamconn"
	"github.com/edgerelay/edgerelay/pkg/util/iobufferpool"
)

// ErrNotPollable is reported for connections that cannot expose a raw
// file descriptor.
var ErrNotPollable = errors.New("mux: connection does not support raw access")

// readChunk bounds one read syscall.
const readChunk = 32 * 1024

// pipeFullWatermark is the kernel pipe capacity; a pipe holding this
// much will not take more without draining.
const pipeFullWatermark = 64 * 1024

// Conn is a passthrough endpoint. It implements both the connector
// layer's Mux and Connection contracts, which collapse into one object
// when nothing is multiplexed.
type Conn struct {
	env *streamconn.Env
	raw net.Conn
	rc  syscall.RawConn
	sd  *streamconn.Descriptor

	rkick chan struct{}
	wkick chan struct{}
	stop  chan struct{}

	stopOnce sync.Once
	failed   atomic.Bool
	rerr     atomic.Bool // sticky read error, reported once drained

	subMu   sync.Mutex
	recvSub *streamconn.Subscription
	sendSub *streamconn.Subscription
}

// New wraps a raw connection and binds it to the given endpoint
// descriptor. A nil descriptor allocates a fresh one, which is the
// accept path; the connect path passes the connector's own detached
// descriptor instead.
func New(env *streamconn.Env, raw net.Conn, sd *streamconn.Descriptor) (*Conn, error) {
	sconn, ok := raw.(syscall.Conn)
	if !ok {
		return nil, ErrNotPollable
	}
	rc, err := sconn.SyscallConn()
	if err != nil {
		return nil, err
	}

	if sd == nil {
		sd = env.Arena.Alloc()
		if sd == nil {
			return nil, streamconn.ErrNoDescriptor
		}
	}

	c := &Conn{
		env:   env,
		raw:   raw,
		rc:    rc,
		sd:    sd,
		rkick: make(chan struct{}, 1),
		wkick: make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	sd.BindMux(c, c)

	if _, isTCP := raw.(*net.TCPConn); isTCP && pipe.Supported {
		sd.Set(streamconn.EpMaySplice)
	}

	go c.readNotifier()
	go c.writeNotifier()
	return c, nil
}

// Descriptor returns the endpoint descriptor owned by this connection.
func (c *Conn) Descriptor() *streamconn.Descriptor { return c.sd }

// Mux returns the connection's multiplexer: itself.
func (c *Conn) Mux() streamconn.Mux { return c }

// HandshakePending always reports false: the passthrough mux carries
// raw TCP without any transport handshake.
func (c *Conn) HandshakePending() bool { return false }

// Failed reports a connection-level failure.
func (c *Conn) Failed() bool { return c.failed.Load() }

// FullClose closes both directions and stops the notifiers.
func (c *Conn) FullClose() {
	c.stopOnce.Do(func() {
		close(c.stop)
		if err := c.raw.Close(); err != nil {
			logger.Debugf("close %s: %v", c.addrs(), err)
		}
	})
}

// Release frees the connection when no mux ever attached. For the
// passthrough mux this is the same as a full close.
func (c *Conn) Release() { c.FullClose() }

// LocalAddr returns the connection's local address.
func (c *Conn) LocalAddr() net.Addr { return c.raw.LocalAddr() }

// RemoteAddr returns the connection's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

func (c *Conn) addrs() string {
	return c.raw.LocalAddr().String() + "<->" + c.raw.RemoteAddr().String()
}

// RcvBuf drains the socket into the channel's input region, at most
// max bytes, without ever blocking.
func (c *Conn) RcvBuf(sd *streamconn.Descriptor, ch *channel.Channel, max int, flags streamconn.RcvFlags) int {
	if max <= 0 {
		// no room; claim more data so the caller learns it must free
		// some before the socket can make progress
		sd.Set(streamconn.EpRcvMore | streamconn.EpWantRoom)
		return 0
	}

	chunk := max
	if chunk > readChunk {
		chunk = readChunk
	}
	scratch := iobufferpool.GetBytes(chunk)
	defer iobufferpool.PutBytes(scratch)

	total := 0
	eof := false
	fatal := false

	ioErr := c.rc.Read(func(fd uintptr) bool {
		for total < max {
			want := max - total
			if want > len(*scratch) {
				want = len(*scratch)
			}
			n, err := unix.Read(int(fd), (*scratch)[:want])
			if err == unix.EAGAIN {
				break
			}
			if err != nil {
				fatal = true
				break
			}
			if n == 0 {
				eof = true
				break
			}
			copied := ch.AddInput((*scratch)[:n])
			total += copied
			if copied < n {
				// channel out of room mid-read
				break
			}
		}
		return true
	})
	if ioErr != nil {
		fatal = true
	}

	sd.Clr(streamconn.EpRcvMore | streamconn.EpWantRoom)
	if total >= max && !eof && !fatal {
		// we filled the room offered; assume the socket holds more
		sd.Set(streamconn.EpRcvMore | streamconn.EpWantRoom)
	}

	if eof {
		sd.Set(streamconn.EpEOI | streamconn.EpEOS)
	}
	if fatal {
		c.failed.Store(true)
		if total > 0 {
			c.rerr.Store(true)
			sd.Set(streamconn.EpErrPending)
		} else {
			sd.Set(streamconn.EpError)
		}
	} else if c.rerr.Load() && total == 0 {
		// deliver the sticky error now that the data went through
		sd.Set(streamconn.EpError)
	}
	return total
}

// SndBuf flushes up to count bytes of the channel's output region to
// the socket and consumes what was written.
func (c *Conn) SndBuf(sd *streamconn.Descriptor, ch *channel.Channel, count int, flags streamconn.SndFlags) int {
	data := ch.OutputBytes()
	if count < len(data) {
		data = data[:count]
	}

	sent := 0
	fatal := false
	ioErr := c.rc.Write(func(fd uintptr) bool {
		for sent < len(data) {
			n, err := unix.Write(int(fd), data[sent:])
			if err == unix.EAGAIN {
				break
			}
			if err != nil {
				fatal = true
				break
			}
			sent += n
		}
		return true
	})
	if ioErr != nil {
		fatal = true
	}

	if fatal {
		c.failed.Store(true)
		sd.Set(streamconn.EpErrPending)
	}
	ch.ConsumeOutput(sent)
	return sent
}

// RcvPipe splices socket bytes into the pipe. A zero-byte return with
// the socket readable means the peer closed.
func (c *Conn) RcvPipe(sd *streamconn.Descriptor, p *pipe.Pipe, toForward uint64) int {
	budget := pipeFullWatermark
	if toForward != channel.InfiniteForward && toForward < uint64(budget) {
		budget = int(toForward)
	}

	total := 0
	unsupported := false
	_ = c.rc.Read(func(fd uintptr) bool {
		n, err := p.SpliceIn(int(fd), budget)
		if err != nil {
			if errors.Is(err, pipe.ErrNotSupported) {
				unsupported = true
			} else {
				c.failed.Store(true)
				sd.Set(streamconn.EpError)
			}
			return true
		}
		total = n
		if n == 0 {
			// either nothing to read or end of stream; peek to tell
			var probe [1]byte
			pn, _, perr := unix.Recvfrom(int(fd), probe[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
			if perr == nil && pn == 0 {
				sd.Set(streamconn.EpEOI | streamconn.EpEOS)
			}
		}
		return true
	})
	if unsupported {
		return -1
	}
	if p.Data >= pipeFullWatermark {
		sd.Set(streamconn.EpWantRoom)
	}
	return total
}

// SndPipe splices pipe bytes into the socket.
func (c *Conn) SndPipe(sd *streamconn.Descriptor, p *pipe.Pipe) int {
	total := 0
	_ = c.rc.Write(func(fd uintptr) bool {
		n, err := p.SpliceOut(int(fd))
		if err != nil && !errors.Is(err, pipe.ErrNotSupported) {
			c.failed.Store(true)
			sd.Set(streamconn.EpErrPending)
			return true
		}
		total = n
		return true
	})
	return total
}

// Subscribe arms a readiness callback for the given events.
func (c *Conn) Subscribe(sd *streamconn.Descriptor, events streamconn.EventType, sub *streamconn.Subscription) {
	c.subMu.Lock()
	if events&streamconn.EventRecv != 0 {
		sub.Set(streamconn.EventRecv)
		c.recvSub = sub
		c.kick(c.rkick)
	}
	if events&streamconn.EventSend != 0 {
		sub.Set(streamconn.EventSend)
		c.sendSub = sub
		c.kick(c.wkick)
	}
	c.subMu.Unlock()
}

// Unsubscribe removes interest in the given events.
func (c *Conn) Unsubscribe(sd *streamconn.Descriptor, events streamconn.EventType, sub *streamconn.Subscription) {
	c.subMu.Lock()
	if events&streamconn.EventRecv != 0 && c.recvSub == sub {
		sub.Clr(streamconn.EventRecv)
		c.recvSub = nil
	}
	if events&streamconn.EventSend != 0 && c.sendSub == sub {
		sub.Clr(streamconn.EventSend)
		c.sendSub = nil
	}
	c.subMu.Unlock()
}

// Detach receives the orphan descriptor from the connector layer. The
// passthrough stream is the connection, so detaching tears it down.
func (c *Conn) Detach(sd *streamconn.Descriptor) {
	if sd.Test(streamconn.EpKillConn) {
		c.hardClose()
	}
	c.FullClose()
	streamconn.ReleaseDescriptor(sd)
}

// hardClose disables lingering so the close resets the peer instead of
// draining pending bytes to a connection already given up on.
func (c *Conn) hardClose() {
	_ = c.rc.Control(func(fd uintptr) {
		lg := unix.Linger{Onoff: 1, Linger: 0}
		if err := unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER, &lg); err != nil {
			logger.Debugf("linger %s: %v", c.addrs(), err)
		}
	})
}

// Shutw closes the write side of the socket. The passthrough mux has
// no transport goodbye, so normal and silent modes coincide.
func (c *Conn) Shutw(sd *streamconn.Descriptor, mode streamconn.ShutMode) {
	if tc, ok := c.raw.(*net.TCPConn); ok {
		if err := tc.CloseWrite(); err != nil {
			logger.Debugf("shutw %s: %v", c.addrs(), err)
		}
	}
}

// Shut closes both sides of the socket. With the kill mark on the
// descriptor the close resets the connection.
func (c *Conn) Shut(sd *streamconn.Descriptor) {
	if sd.Test(streamconn.EpKillConn) {
		c.hardClose()
	}
	c.FullClose()
}

func (c *Conn) kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// readNotifier parks in the poller until the socket is readable, then
// wakes whoever subscribed for receive readiness.
func (c *Conn) readNotifier() {
	for {
		select {
		case <-c.stop:
			return
		case <-c.rkick:
		}

		armed := false
		err := c.rc.Read(func(fd uintptr) bool {
			if !armed {
				armed = true
				return false
			}
			return true
		})
		if err != nil {
			select {
			case <-c.stop:
				return
			default:
			}
		}
		c.fire(&c.recvSub, streamconn.EventRecv)
	}
}

// writeNotifier is the send-side counterpart of readNotifier.
func (c *Conn) writeNotifier() {
	for {
		select {
		case <-c.stop:
			return
		case <-c.wkick:
		}

		armed := false
		err := c.rc.Write(func(fd uintptr) bool {
			if !armed {
				armed = true
				return false
			}
			return true
		})
		if err != nil {
			select {
			case <-c.stop:
				return
			default:
			}
		}
		c.fire(&c.sendSub, streamconn.EventSend)
	}
}

// fire consumes the subscription slot and wakes its tasklet.
func (c *Conn) fire(slot **streamconn.Subscription, ev streamconn.EventType) {
	c.subMu.Lock()
	sub := *slot
	*slot = nil
	if sub != nil {
		sub.Clr(ev)
	}
	c.subMu.Unlock()
	if sub != nil {
		sub.Tasklet.Wakeup()
	}
}
