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
	"github.com/edgerelay/edgerelay/pkg/channel"
	"github.com/edgerelay/edgerelay/pkg/sched"
)

// appOps is the operation table bound to a connector. The table is
// resolved once, when the endpoint and the owner are both known, and
// every owner-side intention (abort, shutdown, check-receive,
// check-send) dispatches through it. Tables are closed: the four
// variants below are the only ones.
type appOps struct {
	name   string
	chkRcv func(*Connector)
	chkSnd func(*Connector)
	abort  func(*Connector)
	shut   func(*Connector)
	wake   func(*Connector)
}

// embeddedOps drives a connector with no endpoint attached yet (e.g. a
// backend connector before the connect). Everything is resolved at the
// stream level.
var embeddedOps = appOps{
	name:   "NONE",
	chkRcv: appChkRcv,
	chkSnd: appChkSnd,
	abort:  appAbort,
	shut:   appShut,
}

// connOps drives a mux-backed connector owned by a stream.
var connOps = appOps{
	name:   "STRM",
	chkRcv: connChkRcv,
	chkSnd: connChkSnd,
	abort:  connAbort,
	shut:   connShut,
}

// appletOps drives an applet-backed connector owned by a stream.
var appletOps = appOps{
	name:   "STRM",
	chkRcv: appletChkRcv,
	chkSnd: appletChkSnd,
	abort:  appletAbort,
	shut:   appletShut,
}

// checkOps drives a health check's connector. The check performs its
// I/O from its own task; the table only has to relay wakeups.
var checkOps = appOps{
	name:   "CHCK",
	chkRcv: func(*Connector) {},
	chkSnd: func(*Connector) {},
	abort:  appAbort,
	shut:   appShut,
	wake:   checkWake,
}

func checkWake(c *Connector) {
	if co, ok := c.owner.(CheckOwner); ok {
		co.OnWake(c)
	}
}

// wakeOwner wakes the owning task unless wakeups are suppressed for
// the current resync pass.
func (c *Connector) wakeOwner() {
	if c.flags&FlDontWake == 0 && c.owner != nil {
		c.owner.Task().Wakeup(sched.WokenIO)
	}
}

// clearConnExpire drops the stream's connect deadline once a backend
// connector reaches a settled state.
func (c *Connector) clearConnExpire() {
	if c.flags&FlIsBack == 0 {
		return
	}
	if so, ok := c.owner.(StreamOwner); ok {
		so.ClearConnExpire()
	}
}

// muxShutw propagates a write shutdown to the mux endpoint.
func (c *Connector) muxShutw(mode ShutMode) {
	if m := c.mux(); m != nil {
		m.Shutw(c.sd, mode)
	}
}

// muxShut closes both sides of the mux endpoint.
func (c *Connector) muxShut() {
	if c.flags&FlNoLinger != 0 {
		c.sd.Set(EpKillConn)
	}
	if m := c.mux(); m != nil {
		m.Shut(c.sd)
	}
}

// appAbort performs the read-side abort of an endpoint-less connector.
func appAbort(c *Connector) {
	c.flags &^= FlAbrtWanted
	if c.flags&(FlEOS|FlAbrtDone) != 0 {
		return
	}
	c.flags |= FlAbrtDone
	c.ic().Set(channel.ReadEvent)

	if c.flags&FlShutDone != 0 {
		c.SetState(StateDisconnected)
		c.clearConnExpire()
	} else if c.condForwardShut() {
		// forward the close to the write side right away
		appShut(c)
		return
	}

	c.wakeOwner()
}

// appShut performs the write-side shutdown of an endpoint-less
// connector. In READY/ESTABLISHED with a clean close pending it leaves
// the connector half-open until the read side ends too.
func appShut(c *Connector) {
	ic, oc := c.ic(), c.oc()

	c.flags &^= FlShutWanted
	if c.flags&FlShutDone != 0 {
		return
	}
	c.flags |= FlShutDone
	oc.Set(channel.WriteEvent)

	switch {
	case c.StateIn(bitsReadyEst):
		// A clean close keeps the read side open until it ends by
		// itself; short messages still in flight may be lost
		// otherwise. Error, no-linger or an already-closed read side
		// make lingering pointless.
		if c.flags&(FlError|FlNoLinger|FlEOS|FlAbrtDone) == 0 &&
			!ic.Has(channel.DontRead) {
			break
		}
		fallthrough
	default:
		if c.StateIn(bitsPending | bitsReadyEst) {
			c.SetState(StateDisconnected)
		}
		c.flags &^= FlNoLinger
		c.flags |= FlAbrtDone
		c.clearConnExpire()
	}

	c.wakeOwner()
}

// appChkRcv handles a new-room notification for an endpoint-less
// connector.
func appChkRcv(c *Connector) {
	if c.ic().Pipe != nil {
		// stop reading
		c.NeedRoom(roomUnlimited)
	} else {
		c.wakeOwner()
	}
}

// appChkSnd handles a new-data notification for an endpoint-less
// connector.
func appChkSnd(c *Connector) {
	if c.state != StateEstablished || c.flags&FlShutDone != 0 {
		return
	}
	if !c.epTest(EpWaitData) || c.oc().IsEmpty() {
		return
	}
	c.epClr(EpWaitData)
	c.wakeOwner()
}

// connAbort performs the read-side abort of a mux-backed connector.
func connAbort(c *Connector) {
	c.flags &^= FlAbrtWanted
	if c.flags&(FlEOS|FlAbrtDone) != 0 {
		return
	}
	c.flags |= FlAbrtDone
	c.ic().Set(channel.ReadEvent)

	if c.flags&FlShutDone != 0 {
		c.muxShut()
		c.SetState(StateDisconnected)
		c.clearConnExpire()
	} else if c.condForwardShut() {
		// forward the close to the write side right away
		connShut(c)
	}
}

// connShut performs the write-side shutdown of a mux-backed connector.
func connShut(c *Connector) {
	oc := c.oc()

	c.flags &^= FlShutWanted
	if c.flags&FlShutDone != 0 {
		return
	}
	c.flags |= FlShutDone
	oc.Set(channel.WriteEvent)

	switch {
	case c.StateIn(bitsReadyEst):
		if c.flags&(FlError|FlNoLinger) != 0 {
			// quick close, the transport is already dead or lingering
			// was explicitly refused
		} else if c.flags&(FlEOS|FlAbrtDone) != 0 {
			// unclean data-layer shutdown, no point in a transport
			// goodbye message
			c.muxShutw(ShutSilent)
		} else {
			// clean data-layer shutdown, delivered through the
			// transport (e.g. a TLS close-notify)
			c.muxShutw(ShutNormal)
			// stay half-open until the read side closes too
			return
		}
		fallthrough
	case c.state == StateConnecting:
		// close a pending connection attempt
		c.muxShut()
		fallthrough
	default:
		if c.StateIn(bitsPending | bitsReadyEst) {
			c.SetState(StateDisconnected)
		}
		c.flags &^= FlNoLinger
		c.flags |= FlAbrtDone
		c.clearConnExpire()
	}
}

// connChkRcv restarts reading on a mux-backed connector.
func connChkRcv(c *Connector) {
	if c.StateIn(bitsReadyEst) {
		c.sub.Tasklet.Wakeup()
	}
}

// connChkSnd pushes new output data to a mux-backed endpoint
// synchronously, then reconciles the wait-data state.
func connChkSnd(c *Connector) {
	oc := c.oc()

	if !c.StateIn(bitsReadyEst) || c.flags&FlShutDone != 0 {
		return
	}
	if oc.IsEmpty() {
		return
	}
	if oc.Pipe == nil && !c.epTest(EpWaitData) {
		return
	}

	if !c.sub.Test(EventSend) {
		c.connSend()
	}

	if c.epTestAny(EpError|EpErrPending) || c.isConnError() {
		c.flags |= FlError
		c.wakeOwner()
		return
	}

	if oc.IsEmpty() {
		// everything left; maybe the last chunk is out and the
		// deferred shutdown can happen now
		if oc.Has(channel.AutoClose) &&
			c.flags&(FlShutDone|FlShutWanted) == FlShutWanted &&
			c.StateIn(bitsReadyEst) {
			c.Shutdown()
			c.wakeOwner()
			return
		}
		if c.flags&(FlShutDone|FlShutWanted) == 0 {
			c.epSet(EpWaitData)
		}
	} else {
		// remaining data, the endpoint will tell us when to retry
		c.epClr(EpWaitData)
	}

	if c.flags&(FlShutDone|FlError) != 0 ||
		(oc.Has(channel.WriteEvent) && c.state < StateEstablished) ||
		oc.ToForward != channel.InfiniteForward {
		c.wakeOwner()
	}
}

// appletAbort performs the read-side abort of an applet-backed
// connector. The applet is not woken on abort.
func appletAbort(c *Connector) {
	c.flags &^= FlAbrtWanted
	if c.flags&(FlEOS|FlAbrtDone) != 0 {
		return
	}
	c.flags |= FlAbrtDone
	c.ic().Set(channel.ReadEvent)

	if c.flags&FlShutDone != 0 {
		c.Appctx().Shut()
		c.SetState(StateDisconnected)
		c.clearConnExpire()
	} else if c.condForwardShut() {
		appletShut(c)
		return
	}

	c.wakeOwner()
}

// appletShut performs the write-side shutdown of an applet-backed
// connector. The applet is always woken so it can observe the close.
func appletShut(c *Connector) {
	ic, oc := c.ic(), c.oc()

	c.flags &^= FlShutWanted
	if c.flags&FlShutDone != 0 {
		return
	}
	c.flags |= FlShutDone
	oc.Set(channel.WriteEvent)

	c.Appctx().Wakeup()

	switch {
	case c.StateIn(bitsReadyEst):
		if c.flags&(FlError|FlNoLinger|FlEOS|FlAbrtDone) == 0 &&
			!ic.Has(channel.DontRead) {
			break
		}
		fallthrough
	default:
		if c.StateIn(bitsPending | bitsReadyEst) {
			c.Appctx().Shut()
			c.SetState(StateDisconnected)
		}
		c.flags &^= FlNoLinger
		c.flags |= FlAbrtDone
		c.clearConnExpire()
	}

	c.wakeOwner()
}

// appletChkRcv restarts an applet blocked on a full buffer.
func appletChkRcv(c *Connector) {
	if c.ic().Pipe == nil {
		c.Appctx().Wakeup()
	}
}

// appletChkSnd wakes an applet waiting for data to consume.
func appletChkSnd(c *Connector) {
	if c.state != StateEstablished || c.flags&FlShutDone != 0 {
		return
	}
	if !c.epTest(EpWaitData) || c.epTest(EpWontConsume) {
		return
	}
	if !c.oc().IsEmpty() {
		c.Appctx().Wakeup()
	}
}

// condForwardShut decides whether a closed read side must be forwarded
// to the write side now. A write timeout on the input channel forwards
// unconditionally: the consumer stalled, flushing is pointless. With
// no-half-close set, the forward happens immediately when the input
// channel drained; otherwise the shutdown is scheduled and performed
// once the pending bytes leave.
func (c *Connector) condForwardShut() bool {
	if c.ic().Has(channel.WriteTimeout) {
		return true
	}
	if c.flags&(FlEOS|FlAbrtDone) == 0 || c.flags&FlNoHalf == 0 {
		return false
	}
	if c.ic().Data() != 0 {
		c.ScheduleShutdown()
		return false
	}
	return true
}

// isConnError reports a connection-level failure underneath the mux.
func (c *Connector) isConnError() bool {
	conn := c.Conn()
	return conn != nil && conn.Failed()
}
