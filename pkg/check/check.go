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

// Package check implements a TCP health check on top of a single
// connector. The check owns one connector and two channels like a
// stream does, but it has no opposite side: endpoint activity comes
// back through the check operation table's wake callback instead of
// the data-forwarding path, and the zero-copy path stays disabled.
package check

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/edgerelay/edgerelay/pkg/channel"
	"github.com/edgerelay/edgerelay/pkg/logger"
	"github.com/edgerelay/edgerelay/pkg/mux"
	"github.com/edgerelay/edgerelay/pkg/sched"
	"github.com/edgerelay/edgerelay/pkg/streamconn"
)

// ErrTimeout is reported when the check deadline passes before the
// probe completes.
var ErrTimeout = errors.New("check: timed out")

// Config describes one health check probe.
type Config struct {
	// Addr is the target address, host:port.
	Addr string
	// Timeout bounds the whole probe, connect included.
	Timeout time.Duration
	// Send is an optional payload written after connecting.
	Send []byte
	// Expect is an optional prefix the response must start with. With
	// no payload and no expectation the check passes on connect.
	Expect []byte
}

// Check runs one probe against a target. Fields past the dial handoff
// are owned by the check task.
type Check struct {
	env  *streamconn.Env
	cfg  Config
	sc   *streamconn.Connector
	in   *channel.Channel
	out  *channel.Channel
	task *sched.Task

	mu       sync.Mutex
	dialConn net.Conn
	dialErr  error

	started bool
	done    bool
	report  func(err error)
}

// New creates a check reporting its outcome through report. A nil
// error means the target is healthy.
func New(env *streamconn.Env, cfg Config, report func(err error)) (*Check, error) {
	ck := &Check{
		env:    env,
		cfg:    cfg,
		in:     env.NewChannel(),
		out:    env.NewChannel(),
		report: report,
	}
	ck.task = env.Sched.NewTask(ck.process)

	sc, err := streamconn.NewFromCheck(env, ck, streamconn.FlIsBack)
	if err != nil {
		return nil, err
	}
	ck.sc = sc
	return ck, nil
}

// Start launches the probe.
func (ck *Check) Start() { ck.task.Wakeup(sched.WokenMsg) }

// Task returns the check task.
func (ck *Check) Task() *sched.Task { return ck.task }

// InChannel returns the channel the connector's reads land in.
func (ck *Check) InChannel(c *streamconn.Connector) *channel.Channel { return ck.in }

// OutChannel returns the channel the connector sends from.
func (ck *Check) OutChannel(c *streamconn.Connector) *channel.Channel { return ck.out }

// OnWake is invoked by the connector layer when the endpoint reports
// activity; it defers the work to the check task.
func (ck *Check) OnWake(c *streamconn.Connector) { ck.task.Wakeup(sched.WokenIO) }

func (ck *Check) process(reason sched.WakeReason) {
	if ck.done {
		return
	}

	if !ck.started {
		ck.started = true
		ck.sc.SetState(streamconn.StateConnecting)
		ck.task.Queue(time.Now().Add(ck.cfg.Timeout))
		go ck.dial()
		return
	}

	if reason&sched.WokenTimer != 0 {
		ck.finish(ErrTimeout)
		return
	}

	ck.mu.Lock()
	conn, err := ck.dialConn, ck.dialErr
	ck.dialConn, ck.dialErr = nil, nil
	ck.mu.Unlock()

	if err != nil {
		ck.finish(err)
		return
	}
	if conn != nil {
		if err := ck.attach(conn); err != nil {
			ck.finish(err)
			return
		}
	}

	ck.step()
}

func (ck *Check) dial() {
	conn, err := net.DialTimeout("tcp", ck.cfg.Addr, ck.cfg.Timeout)
	ck.mu.Lock()
	ck.dialConn, ck.dialErr = conn, err
	ck.mu.Unlock()
	ck.task.Wakeup(sched.WokenMsg)
}

func (ck *Check) attach(conn net.Conn) error {
	mc, err := mux.New(ck.env, conn, ck.sc.Sd())
	if err != nil {
		conn.Close()
		return err
	}
	// checks never splice; the probe fits a buffer
	ck.sc.Sd().Clr(streamconn.EpMaySplice)
	if err := ck.sc.AttachMux(mc, mc); err != nil {
		return err
	}
	ck.sc.SetState(streamconn.StateEstablished)

	if len(ck.cfg.Send) != 0 {
		ck.out.EnsureBuffer()
		n := ck.out.AddInput(ck.cfg.Send)
		ck.out.Advance(n)
	}
	return nil
}

// step pushes the probe forward: flush the payload, pull the response,
// decide.
func (ck *Check) step() {
	if ck.sc.State() != streamconn.StateEstablished {
		return
	}

	if !ck.out.IsEmpty() {
		ck.sc.SyncSend()
	}
	ck.sc.SyncRecv()

	if len(ck.cfg.Expect) == 0 {
		if ck.out.IsEmpty() {
			ck.finish(nil)
		}
		return
	}

	got := ck.in.InputBytes()
	switch {
	case len(got) >= len(ck.cfg.Expect):
		if bytes.HasPrefix(got, ck.cfg.Expect) {
			ck.finish(nil)
		} else {
			ck.finish(errors.New("check: unexpected response"))
		}
	case ck.sc.TestAny(streamconn.FlEOS | streamconn.FlError):
		ck.finish(errors.New("check: connection closed before response"))
	}
}

func (ck *Check) finish(err error) {
	if ck.done {
		return
	}
	ck.done = true
	if err != nil {
		logger.Debugf("check %s failed: %v", ck.cfg.Addr, err)
	}
	ck.sc.SetFlags(streamconn.FlNoLinger)
	ck.sc.ScheduleAbort()
	ck.sc.Destroy()
	for _, ch := range []*channel.Channel{ck.in, ck.out} {
		ch.ConsumeOutput(ch.OutputData())
		ch.Advance(ch.InputData())
		ch.ConsumeOutput(ch.OutputData())
		ch.ReleaseBuffer()
	}
	ck.task.Stop()
	if ck.report != nil {
		ck.report(err)
	}
}
