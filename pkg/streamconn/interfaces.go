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

package streamconn

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/edgerelay/edgerelay/pkg/channel"
	"github.com/edgerelay/edgerelay/pkg/pipe"
	"github.com/edgerelay/edgerelay/pkg/sched"
	"github.com/edgerelay/edgerelay/pkg/util/iobufferpool"
)

// EventType is the readiness interest mask of a subscription.
type EventType uint8

// Subscription events.
const (
	// EventRecv: wake when the endpoint becomes readable again.
	EventRecv EventType = 1 << iota
	// EventSend: wake when the endpoint becomes writable again.
	EventSend
)

// Subscription registers a connector's interest in endpoint readiness.
// The endpoint wakes the tasklet when a subscribed event fires and
// clears the corresponding bit. The event mask is armed from the
// owner's side and consumed by the endpoint's notifiers, so it is
// accessed atomically.
type Subscription struct {
	events  atomic.Uint32
	Tasklet *sched.Tasklet
}

// Set arms the given events.
func (s *Subscription) Set(ev EventType) {
	for {
		old := s.events.Load()
		if s.events.CompareAndSwap(old, old|uint32(ev)) {
			return
		}
	}
}

// Clr disarms the given events.
func (s *Subscription) Clr(ev EventType) {
	for {
		old := s.events.Load()
		if s.events.CompareAndSwap(old, old&^uint32(ev)) {
			return
		}
	}
}

// Test reports whether any of the given events is armed.
func (s *Subscription) Test(ev EventType) bool {
	return EventType(s.events.Load())&ev != 0
}

// ShutMode selects how a write shutdown reaches the transport.
type ShutMode uint8

// Shutdown modes.
const (
	// ShutNormal lets the transport signal the close to the peer
	// (e.g. a TLS close-notify) before shutting.
	ShutNormal ShutMode = iota
	// ShutSilent shuts without any transport-level goodbye.
	ShutSilent
)

// RcvFlags qualify one RcvBuf call.
type RcvFlags uint32

// Receive flags.
const (
	// RcvBufFlush asks the endpoint to help flush buffered data
	// because a splice attempt is pending behind it.
	RcvBufFlush RcvFlags = 1 << iota
	// RcvBufWet tells the endpoint output data sits in the buffer.
	RcvBufWet
	// RcvBufNotStuck tells the endpoint the buffer is draining.
	RcvBufNotStuck
)

// SndFlags qualify one SndBuf call.
type SndFlags uint32

// Send flags.
const (
	// SndMsgMore hints that more data follows shortly, letting the
	// transport coalesce instead of flushing small frames.
	SndMsgMore SndFlags = 1 << iota
	// SndStreamer hints the channel carries a sustained transfer.
	SndStreamer
)

// Mux is the multiplexer contract a connection-backed endpoint
// implements. Byte counts are returned; exceptional conditions travel
// through the descriptor's endpoint flags (EpEOS, EpEOI, EpError,
// EpRcvMore, EpWantRoom...).
type Mux interface {
	// RcvBuf moves at most max bytes from the endpoint into the
	// channel's input and returns how many were moved.
	RcvBuf(sd *Descriptor, ch *channel.Channel, max int, flags RcvFlags) int
	// SndBuf moves at most count bytes from the channel's output into
	// the endpoint and returns how many were consumed.
	SndBuf(sd *Descriptor, ch *channel.Channel, count int, flags SndFlags) int
	// RcvPipe splices bytes from the endpoint into the pipe. A
	// negative return means splicing is unusable on this endpoint.
	RcvPipe(sd *Descriptor, p *pipe.Pipe, toForward uint64) int
	// SndPipe splices bytes from the pipe into the endpoint.
	SndPipe(sd *Descriptor, p *pipe.Pipe) int
	// Subscribe registers interest in the given events.
	Subscribe(sd *Descriptor, events EventType, sub *Subscription)
	// Unsubscribe removes interest in the given events.
	Unsubscribe(sd *Descriptor, events EventType, sub *Subscription)
	// Detach hands the (orphan) descriptor over to the mux, which
	// becomes responsible for releasing it.
	Detach(sd *Descriptor)
	// Shutw shuts the write side of the endpoint.
	Shutw(sd *Descriptor, mode ShutMode)
	// Shut closes both sides of the endpoint.
	Shut(sd *Descriptor)
}

// Connection is the narrow view of the lower connection object.
type Connection interface {
	// Mux returns the installed multiplexer, nil while too early.
	Mux() Mux
	// HandshakePending reports an unfinished transport handshake or
	// pending early data.
	HandshakePending() bool
	// Failed reports a connection-level failure.
	Failed() bool
	// FullClose closes both directions of the raw transport.
	FullClose()
	// Release frees the connection. Only called when no mux ever
	// attached; otherwise the mux owns the teardown.
	Release()
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// AppletRunner is the contract of an applet-backed endpoint.
type AppletRunner interface {
	// Wakeup reschedules the applet's own cooperative task.
	Wakeup()
	// Shut asks the applet to terminate and release its resources,
	// including the (orphan) descriptor it holds.
	Shut()
	// HaveMoreData marks the applet as having data to deliver again.
	HaveMoreData()
}

// Owner is the application object driving a connector: a stream or a
// health check.
type Owner interface {
	// Task is the owner's task, woken on notable I/O events.
	Task() *sched.Task
	// InChannel is the channel this connector's reads land in.
	InChannel(c *Connector) *channel.Channel
	// OutChannel is the channel this connector sends from.
	OutChannel(c *Connector) *channel.Channel
}

// StreamOwner is an Owner with two connectors facing each other.
type StreamOwner interface {
	Owner
	// Opposite returns the connector on the other side of the stream.
	Opposite(c *Connector) *Connector
	// ConnExpire returns the stream's connect deadline, zero if none.
	ConnExpire() time.Time
	// ClearConnExpire clears the connect deadline once the backend
	// side settled.
	ClearConnExpire()
	// ReleaseBuffers gives empty channel buffers back to the pool.
	ReleaseBuffers()
}

// CheckOwner is the Owner of a health-check connector.
type CheckOwner interface {
	Owner
	// OnWake is invoked when the check's endpoint reports activity.
	OnWake(c *Connector)
}

// Tuning groups the data-path knobs.
type Tuning struct {
	// ReadPollLoops bounds the iterations of one receive call.
	ReadPollLoops int
	// RecvEnough is the read size above which a short read is still
	// considered a full batch.
	RecvEnough int
	// BufferSize is the channel buffer size.
	BufferSize int
	// MinSpliceForward is the minimum forward budget that justifies
	// setting up a splice.
	MinSpliceForward int
	// IdleTimer resets streaming classification after this much
	// read inactivity.
	IdleTimer time.Duration
	// MaxPipes caps pipes used for splicing, process-wide.
	MaxPipes int
}

// DefaultTuning returns the default knobs.
func DefaultTuning() Tuning {
	return Tuning{
		ReadPollLoops:    6,
		RecvEnough:       8192,
		BufferSize:       16384,
		MinSpliceForward: 4096,
		IdleTimer:        time.Second,
		MaxPipes:         1024,
	}
}

// Env carries the shared collaborators of the connector layer. It is
// passed around explicitly instead of living in package globals so the
// layer stays testable in isolation.
type Env struct {
	Arena   *Arena
	Buffers *iobufferpool.Pool
	Pipes   *pipe.Pool
	Sched   *sched.Scheduler
	Tune    Tuning
	Metrics *Metrics
}

// NewEnv builds an Env with default tuning, an unlimited buffer pool
// and a fresh arena.
func NewEnv(s *sched.Scheduler) *Env {
	tune := DefaultTuning()
	return &Env{
		Arena:   NewArena(),
		Buffers: iobufferpool.NewPool(0),
		Pipes:   pipe.NewPool(tune.MaxPipes),
		Sched:   s,
		Tune:    tune,
	}
}

// NewChannel creates a channel sized per the environment's tuning.
func (env *Env) NewChannel() *channel.Channel {
	return channel.New(env.Tune.BufferSize, env.Buffers)
}
