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

// Package applet runs in-process service handlers that synthesize a
// stream without any socket. An applet is attached to a stream
// connector like a mux endpoint would be: it consumes the connector's
// output channel and produces into its input channel, cooperatively,
// from its own tasklet.
package applet

import (
	"sync"
	"sync/atomic"

	"github.com/edgerelay/edgerelay/pkg/channel"
	"github.com/edgerelay/edgerelay/pkg/sched"
	"github.com/edgerelay/edgerelay/pkg/streamconn"
)

// Applet is an in-process service handler. Handle is called from the
// applet's tasklet whenever the applet is woken; it must not block.
type Applet interface {
	Handle(ctx *Context)
}

// Releaser is implemented by applets holding resources to free when
// the applet shuts down.
type Releaser interface {
	Release(ctx *Context)
}

// Context carries one running applet instance: its endpoint
// descriptor, its tasklet, and the service state. It implements the
// connector layer's applet contract.
type Context struct {
	env     *streamconn.Env
	applet  Applet
	sd      *streamconn.Descriptor
	tasklet *sched.Tasklet

	shutRequested atomic.Bool
	releaseOnce   sync.Once

	// SvcCtx is free for the applet's own state.
	SvcCtx any
}

// Create instantiates an applet on the given connector. The connector
// must hold a detached descriptor; it becomes applet-backed.
func Create(env *streamconn.Env, a Applet, c *streamconn.Connector) *Context {
	ctx := &Context{
		env:    env,
		applet: a,
	}
	ctx.tasklet = env.Sched.NewTasklet(ctx.run)
	c.AttachApplet(ctx)
	ctx.sd = c.Sd()
	return ctx
}

// SC returns the connector the applet is attached to, nil once
// orphaned.
func (ctx *Context) SC() *streamconn.Connector {
	if ctx.sd == nil {
		return nil
	}
	return ctx.sd.SC()
}

// Sd returns the applet's endpoint descriptor.
func (ctx *Context) Sd() *streamconn.Descriptor { return ctx.sd }

// Wakeup schedules the applet's tasklet.
func (ctx *Context) Wakeup() { ctx.tasklet.Wakeup() }

// Shut asks the applet to terminate. It is idempotent; the actual
// release runs on the applet's tasklet, and the descriptor is given
// back once the connector side has orphaned it.
func (ctx *Context) Shut() {
	ctx.shutRequested.Store(true)
	ctx.tasklet.Wakeup()
}

// HaveMoreData marks the applet as holding data to deliver again.
func (ctx *Context) HaveMoreData() {
	if ctx.sd != nil {
		ctx.sd.HaveMoreData()
	}
}

// HaveNoMoreData marks the applet as having delivered everything.
func (ctx *Context) HaveNoMoreData() {
	if ctx.sd != nil {
		ctx.sd.HaveNoMoreData()
	}
}

// NeedMoreData tells the connector layer the applet cannot produce
// anything until it gets more input to consume. It gates the stream's
// receive side so the applet is not woken again until new input shows
// up on the consumption channel.
func (ctx *Context) NeedMoreData() {
	if ctx.sd != nil {
		ctx.sd.Set(streamconn.EpHaveNoData)
	}
}

// Input returns the channel the applet consumes: the bytes the stream
// sent towards the endpoint.
func (ctx *Context) Input() *channel.Channel {
	return ctx.SC().Owner().OutChannel(ctx.SC())
}

// Output returns the channel the applet produces into.
func (ctx *Context) Output() *channel.Channel {
	return ctx.SC().Owner().InChannel(ctx.SC())
}

// EnsureOutputBuffer allocates the production buffer, registering for
// the pool's release broadcast on exhaustion.
func (ctx *Context) EnsureOutputBuffer() bool {
	out := ctx.Output()
	if out.EnsureBuffer() {
		return true
	}
	ctx.SC().SetFlags(streamconn.FlNeedBuff)
	ctx.env.Buffers.Wait(ctx.tasklet)
	return false
}

// SetEOI reports that the applet finished producing its message.
func (ctx *Context) SetEOI() {
	if ctx.sd != nil {
		ctx.sd.Set(streamconn.EpEOI)
	}
}

// SetEOS reports that the applet's stream ended.
func (ctx *Context) SetEOS() {
	if ctx.sd != nil {
		ctx.sd.Set(streamconn.EpEOS)
	}
}

// SetError reports a fatal applet error.
func (ctx *Context) SetError() {
	if ctx.sd != nil {
		ctx.sd.Set(streamconn.EpError)
	}
}

func (ctx *Context) release() {
	ctx.releaseOnce.Do(func() {
		if r, ok := ctx.applet.(Releaser); ok {
			r.Release(ctx)
		}
	})
}

// run is the tasklet body: terminate if asked to, otherwise run one
// handler pass and let the connector reconcile.
func (ctx *Context) run() {
	if ctx.shutRequested.Load() {
		ctx.release()
		if ctx.sd != nil && ctx.sd.Test(streamconn.EpOrphan) {
			sd := ctx.sd
			ctx.sd = nil
			streamconn.ReleaseDescriptor(sd)
		}
		return
	}

	sc := ctx.SC()
	if sc == nil {
		return
	}

	ctx.applet.Handle(ctx)

	// the handler may have shut the stream down itself
	if ctx.shutRequested.Load() {
		ctx.tasklet.Wakeup()
		return
	}
	sc.AppletProcess()
}
