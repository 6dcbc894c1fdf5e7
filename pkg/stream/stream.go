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

// Package stream implements the owning application object of a relayed
// connection: two connectors facing each other across a request and a
// response channel, driven by one task that forwards data, propagates
// half-closures and enforces deadlines.
package stream

import (
	"time"

	"github.com/google/uuid"

	"github.com/edgerelay/edgerelay/pkg/channel"
	"github.com/edgerelay/edgerelay/pkg/logger"
	"github.com/edgerelay/edgerelay/pkg/sched"
	"github.com/edgerelay/edgerelay/pkg/streamconn"
)

// Stream relays bytes between a frontend and a backend connector. All
// fields are owned by the stream task; only the connectors' endpoint
// descriptors are shared with other goroutines.
type Stream struct {
	id   string
	env  *streamconn.Env
	task *sched.Task

	front *streamconn.Connector
	back  *streamconn.Connector
	req   *channel.Channel
	res   *channel.Channel

	connExpire time.Time
	closed     bool
	onClose    func(*Stream)
}

// New builds a stream on top of an accepted frontend endpoint. The
// backend connector starts detached in StateInit; a connect driver
// walks it to StateEstablished.
func New(env *streamconn.Env, frontSd *streamconn.Descriptor, ioTimeout time.Duration) (*Stream, error) {
	s := &Stream{
		id:  uuid.NewString(),
		env: env,
		req: env.NewChannel(),
		res: env.NewChannel(),
	}
	s.task = env.Sched.NewTask(s.process)

	// pure relay: forward everything, close follows end of stream
	for _, ch := range []*channel.Channel{s.req, s.res} {
		ch.Set(channel.AutoClose | channel.KernSplicing)
		ch.ToForward = channel.InfiniteForward
	}

	front, err := streamconn.NewFromEndpoint(env, frontSd, s, 0)
	if err != nil {
		return nil, err
	}
	back, err := streamconn.NewFromStream(env, s, streamconn.FlIsBack)
	if err != nil {
		front.Destroy()
		return nil, err
	}
	s.front = front
	s.back = back
	streamconn.PairDescriptors(front.Sd(), back.Sd())
	front.Ioto = ioTimeout
	back.Ioto = ioTimeout
	front.SetState(streamconn.StateEstablished)
	return s, nil
}

// ID returns the stream identifier.
func (s *Stream) ID() string { return s.id }

// Front returns the frontend connector.
func (s *Stream) Front() *streamconn.Connector { return s.front }

// Back returns the backend connector.
func (s *Stream) Back() *streamconn.Connector { return s.back }

// OnClose registers a callback run by the stream task when the stream
// is torn down.
func (s *Stream) OnClose(fn func(*Stream)) { s.onClose = fn }

// Task returns the stream task.
func (s *Stream) Task() *sched.Task { return s.task }

// InChannel returns the channel the connector's reads land in.
func (s *Stream) InChannel(c *streamconn.Connector) *channel.Channel {
	if c == s.back {
		return s.res
	}
	return s.req
}

// OutChannel returns the channel the connector sends from.
func (s *Stream) OutChannel(c *streamconn.Connector) *channel.Channel {
	if c == s.back {
		return s.req
	}
	return s.res
}

// Opposite returns the connector on the other side of the stream.
func (s *Stream) Opposite(c *streamconn.Connector) *streamconn.Connector {
	if c == s.back {
		return s.front
	}
	return s.back
}

// ConnExpire returns the backend connect deadline.
func (s *Stream) ConnExpire() time.Time { return s.connExpire }

// SetConnExpire arms the backend connect deadline.
func (s *Stream) SetConnExpire(t time.Time) {
	s.connExpire = t
	s.task.Queue(t)
}

// ClearConnExpire drops the connect deadline once the backend settled.
func (s *Stream) ClearConnExpire() { s.connExpire = time.Time{} }

// ReleaseBuffers returns empty channel buffers to the pool.
func (s *Stream) ReleaseBuffers() {
	s.req.ReleaseBuffer()
	s.res.ReleaseBuffer()
}

// Wakeup schedules a run of the stream task.
func (s *Stream) Wakeup() { s.task.Wakeup(sched.WokenMsg) }

// process is the stream task body: one reconciliation pass over both
// sides, then either teardown or a requeue with the nearest deadline.
func (s *Stream) process(reason sched.WakeReason) {
	if s.closed {
		return
	}

	if reason&sched.WokenTimer != 0 {
		s.handleTimeouts()
		if s.closed {
			return
		}
	}

	// push pending output before polling for more input, so freed room
	// is immediately available to the producer side
	if !s.req.IsEmpty() {
		s.back.SyncSend()
	}
	if !s.res.IsEmpty() {
		s.front.SyncSend()
	}
	s.front.SyncRecv()
	s.back.SyncRecv()

	// a requested abort fires right away, a requested shutdown once
	// its side's output drained
	for _, c := range []*streamconn.Connector{s.front, s.back} {
		if c.Test(streamconn.FlAbrtWanted) {
			c.Abort()
		}
		if c.Test(streamconn.FlShutWanted) && s.OutChannel(c).IsEmpty() {
			c.Shutdown()
		}
	}

	s.front.UpdateRx()
	s.front.UpdateTx()
	s.back.UpdateRx()
	s.back.UpdateTx()

	if s.finished() {
		s.close()
		return
	}

	s.ReleaseBuffers()
	s.task.Queue(s.nextExpire())
}

// handleTimeouts turns an expired deadline into an abort of the side
// that stalled.
func (s *Stream) handleTimeouts() {
	now := time.Now()
	if !s.connExpire.IsZero() && !now.Before(s.connExpire) &&
		!s.back.StateIn(streamconn.StateEstablished.Bit()|streamconn.StateReady.Bit()) {
		logger.Debugf("stream %s: backend connect timed out", s.id)
		s.back.SetFlags(streamconn.FlError)
		s.connExpire = time.Time{}
		s.close()
		return
	}

	// a consumer that stalled past its deadline gets a quick shutdown;
	// the write-timeout event lets the producer side forward a later
	// end of stream without waiting for the pending bytes
	s.front.CheckTimeouts(now)
	s.back.CheckTimeouts(now)
	for _, c := range []*streamconn.Connector{s.front, s.back} {
		if s.OutChannel(c).Has(channel.WriteTimeout) &&
			!c.Test(streamconn.FlShutDone) {
			logger.Debugf("stream %s: %s side write timeout", s.id, sideName(c))
			c.SetFlags(streamconn.FlNoLinger)
			c.Shutdown()
		}
	}

	for _, c := range []*streamconn.Connector{s.front, s.back} {
		ic := s.InChannel(c)
		if c.Ioto != 0 && !ic.LastRead.IsZero() &&
			now.Sub(ic.LastRead) >= c.Ioto &&
			!c.TestAny(streamconn.FlShutDone|streamconn.FlAbrtDone) {
			logger.Debugf("stream %s: %s side idle timeout", s.id, sideName(c))
			// a stalled relay direction kills the whole stream; abort
			// both sides without lingering so the close is immediate
			for _, side := range []*streamconn.Connector{s.front, s.back} {
				side.SetFlags(streamconn.FlNoLinger | streamconn.FlNoHalf)
				side.ScheduleAbort()
				side.Abort()
			}
			return
		}
	}
}

// finished reports whether both directions are over and nothing is
// left in flight.
func (s *Stream) finished() bool {
	closing := streamconn.StateDisconnected.Bit() | streamconn.StateClosed.Bit()
	frontDone := s.front.StateIn(closing) ||
		s.front.Test(streamconn.FlShutDone) && s.front.TestAny(streamconn.FlAbrtDone|streamconn.FlEOS)
	backDone := s.back.StateIn(closing) ||
		s.back.Test(streamconn.FlShutDone) && s.back.TestAny(streamconn.FlAbrtDone|streamconn.FlEOS)
	if s.front.TestAny(streamconn.FlError) || s.back.TestAny(streamconn.FlError) {
		return true
	}
	return frontDone && backDone && s.req.IsEmpty() && s.res.IsEmpty()
}

// close destroys both connectors and releases the stream's resources.
// Runs on the stream task, at most once.
func (s *Stream) close() {
	if s.closed {
		return
	}
	s.closed = true
	logger.Debugf("stream %s: closing (front=%s back=%s)",
		s.id, s.front.State(), s.back.State())

	s.front.Destroy()
	s.back.Destroy()
	for _, ch := range []*channel.Channel{s.req, s.res} {
		if ch.Pipe != nil {
			s.env.Pipes.Put(ch.Pipe)
			ch.Pipe = nil
		}
		ch.ConsumeOutput(ch.OutputData())
		ch.Advance(ch.InputData())
		ch.ConsumeOutput(ch.OutputData())
		ch.ReleaseBuffer()
	}
	s.task.Stop()
	if s.onClose != nil {
		s.onClose(s)
	}
}

// Shutdown asks both sides to finish and wakes the task to reconcile.
func (s *Stream) Shutdown() {
	s.front.ScheduleShutdown()
	s.back.ScheduleShutdown()
	s.task.Wakeup(sched.WokenMsg)
}

func (s *Stream) nextExpire() time.Time {
	exp := s.connExpire
	exp = sched.FirstExpire(exp, s.req.AnalyseExp)
	exp = sched.FirstExpire(exp, s.res.AnalyseExp)
	for _, c := range []*streamconn.Connector{s.front, s.back} {
		if c.Ioto != 0 && !s.InChannel(c).LastRead.IsZero() &&
			!c.TestAny(streamconn.FlShutDone|streamconn.FlAbrtDone) {
			exp = sched.FirstExpire(exp, s.InChannel(c).LastRead.Add(c.Ioto))
		}
		exp = sched.FirstExpire(exp, c.SendExpire())
	}
	return exp
}

func sideName(c *streamconn.Connector) string {
	if c.Test(streamconn.FlIsBack) {
		return "backend"
	}
	return "frontend"
}
