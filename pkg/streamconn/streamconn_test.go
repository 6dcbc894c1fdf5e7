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
	"sync"
	"time"

	"github.com/edgerelay/edgerelay/pkg/channel"
	"github.com/edgerelay/edgerelay/pkg/pipe"
	"github.com/edgerelay/edgerelay/pkg/sched"
)

// newInertEnv returns an Env whose scheduler drops every tasklet
// wakeup, so tests can drive the data path step by step.
func newInertEnv() *Env {
	s := sched.NewScheduler(1)
	s.Stop()
	return NewEnv(s)
}

// fakeOwner is a minimal two-sided stream owner.
type fakeOwner struct {
	task *sched.Task
	sca  *Connector
	scb  *Connector
	req  *channel.Channel
	res  *channel.Channel

	connExp  time.Time
	releases int
}

func newFakeOwner(env *Env) *fakeOwner {
	o := &fakeOwner{
		req: env.NewChannel(),
		res: env.NewChannel(),
	}
	o.task = env.Sched.NewTask(func(sched.WakeReason) {})
	return o
}

func (o *fakeOwner) Task() *sched.Task { return o.task }

func (o *fakeOwner) InChannel(c *Connector) *channel.Channel {
	if c == o.scb {
		return o.res
	}
	return o.req
}

func (o *fakeOwner) OutChannel(c *Connector) *channel.Channel {
	if c == o.scb {
		return o.req
	}
	return o.res
}

func (o *fakeOwner) Opposite(c *Connector) *Connector {
	if c == o.scb {
		return o.sca
	}
	return o.scb
}

func (o *fakeOwner) ConnExpire() time.Time { return o.connExp }
func (o *fakeOwner) ClearConnExpire()      { o.connExp = time.Time{} }
func (o *fakeOwner) ReleaseBuffers()       { o.releases++ }

// fakeMux is a scripted endpoint implementing both the mux and the
// connection contracts, like the passthrough mux does.
type fakeMux struct {
	mu sync.Mutex

	pending  []byte // bytes the next RcvBuf calls deliver
	eos      bool   // end of stream once pending drains
	failed   bool
	sendRoom int // bytes each SndBuf accepts; -1 means unlimited
	sent     []byte

	recvSubs  int
	sendSubs  int
	shutws    []ShutMode
	shuts     int
	detaches  int
	handshake bool
}

func newFakeMux() *fakeMux { return &fakeMux{sendRoom: -1} }

func (m *fakeMux) feed(p []byte) {
	m.mu.Lock()
	m.pending = append(m.pending, p...)
	m.mu.Unlock()
}

func (m *fakeMux) Mux() Mux                  { return m }
func (m *fakeMux) HandshakePending() bool    { return m.handshake }
func (m *fakeMux) Failed() bool              { return m.failed }
func (m *fakeMux) FullClose()                { m.shuts++ }
func (m *fakeMux) Release()                  {}
func (m *fakeMux) LocalAddr() net.Addr       { return nil }
func (m *fakeMux) RemoteAddr() net.Addr      { return nil }

func (m *fakeMux) RcvBuf(sd *Descriptor, ch *channel.Channel, max int, flags RcvFlags) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.pending)
	if n > max {
		n = max
	}
	copied := ch.AddInput(m.pending[:n])
	m.pending = m.pending[copied:]
	if len(m.pending) == 0 && m.eos {
		sd.Set(EpEOI | EpEOS)
	}
	return copied
}

func (m *fakeMux) SndBuf(sd *Descriptor, ch *channel.Channel, count int, flags SndFlags) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := count
	if m.sendRoom >= 0 && n > m.sendRoom {
		n = m.sendRoom
	}
	m.sent = append(m.sent, ch.OutputBytes()[:n]...)
	ch.ConsumeOutput(n)
	return n
}

func (m *fakeMux) RcvPipe(sd *Descriptor, p *pipe.Pipe, toForward uint64) int { return -1 }
func (m *fakeMux) SndPipe(sd *Descriptor, p *pipe.Pipe) int                   { return 0 }

func (m *fakeMux) Subscribe(sd *Descriptor, events EventType, sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if events&EventRecv != 0 {
		sub.Set(EventRecv)
		m.recvSubs++
	}
	if events&EventSend != 0 {
		sub.Set(EventSend)
		m.sendSubs++
	}
}

func (m *fakeMux) Unsubscribe(sd *Descriptor, events EventType, sub *Subscription) {
	sub.Clr(events)
}

func (m *fakeMux) Detach(sd *Descriptor) {
	m.mu.Lock()
	m.detaches++
	m.mu.Unlock()
	ReleaseDescriptor(sd)
}

func (m *fakeMux) Shutw(sd *Descriptor, mode ShutMode) {
	m.mu.Lock()
	m.shutws = append(m.shutws, mode)
	m.mu.Unlock()
}

func (m *fakeMux) Shut(sd *Descriptor) {
	m.mu.Lock()
	m.shuts++
	m.mu.Unlock()
}

// newMuxPair builds an established mux-backed connector on side A of a
// fake owner, plus an embedded opposite on side B.
func newMuxPair(env *Env) (*fakeOwner, *Connector, *fakeMux) {
	o := newFakeOwner(env)
	m := newFakeMux()

	sd := env.Arena.Alloc()
	sd.BindMux(m, m)
	sca, err := NewFromEndpoint(env, sd, o, 0)
	if err != nil {
		panic(err)
	}
	scb, err := NewFromStream(env, o, FlIsBack)
	if err != nil {
		panic(err)
	}
	o.sca, o.scb = sca, scb
	PairDescriptors(sca.Sd(), scb.Sd())
	sca.SetState(StateEstablished)
	return o, sca, m
}
