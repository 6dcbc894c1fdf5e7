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

// Package streamconn implements the stream connector layer: the
// uniform bidirectional interface between a stream-processing owner
// and either a multiplexed network connection or an in-process applet.
// Each connector owns one endpoint descriptor; the two descriptors of
// a stream are cross-referenced through arena handles so either side
// can detach first without leaving a dangling pointer behind.
package streamconn

import (
	"errors"
	"net"
	"time"

	"github.com/edgerelay/edgerelay/pkg/channel"
	"github.com/edgerelay/edgerelay/pkg/sched"
)

// ErrNoDescriptor is reported when the descriptor arena cannot supply
// a descriptor for a new or reset connector.
var ErrNoDescriptor = errors.New("streamconn: descriptor arena exhausted")

// Connector is the per-direction object an owner (stream or health
// check) uses to talk to its endpoint. All methods must be called from
// the owner's task or the connector's own I/O tasklet; only the
// descriptor is shared with the endpoint's side.
type Connector struct {
	env   *Env
	flags Flags
	state State

	sd    *Descriptor
	owner Owner
	ops   *appOps

	// sub is the readiness subscription registered with the mux. Its
	// tasklet runs the connection I/O callback.
	sub Subscription

	// Ioto is the I/O idle timeout applied to both directions.
	Ioto time.Duration

	// roomNeeded qualifies FlNeedRoom: 0 means any released space
	// unblocks the connector, n > 0 means at least n free bytes are
	// required, and roomUnlimited means only an explicit HaveRoom
	// unblocks it.
	roomNeeded int

	src, dst net.Addr
}

// roomNeeded value meaning "never auto-unblock".
const roomUnlimited = -1

func newConnector(env *Env, sd *Descriptor, flags Flags) *Connector {
	c := &Connector{
		env:   env,
		flags: flags,
		state: StateInit,
		sd:    sd,
		ops:   &embeddedOps,
	}
	sd.sc = c
	sd.Clr(EpOrphan)
	if env.Metrics != nil {
		env.Metrics.ConnectorsCreated.Inc()
	}
	return c
}

// NewFromEndpoint creates a connector on top of an existing endpoint
// descriptor and binds it to the stream owner. This is the frontend
// path: the mux or applet created the endpoint first and asks for a
// stream to be built on it.
func NewFromEndpoint(env *Env, sd *Descriptor, owner StreamOwner, flags Flags) (*Connector, error) {
	if sd == nil {
		return nil, ErrNoDescriptor
	}
	c := newConnector(env, sd, flags)
	if err := c.attachStreamOwner(owner); err != nil {
		return nil, err
	}
	return c, nil
}

// NewFromStream creates a connector with a fresh detached descriptor.
// This is the backend path: the endpoint is attached later, once a
// connection or applet is picked.
func NewFromStream(env *Env, owner StreamOwner, flags Flags) (*Connector, error) {
	sd := env.Arena.Alloc()
	if sd == nil {
		return nil, ErrNoDescriptor
	}
	sd.Set(EpDetached)
	c := newConnector(env, sd, flags)
	c.owner = owner
	return c, nil
}

// NewFromCheck creates the connector of a health check.
func NewFromCheck(env *Env, owner CheckOwner, flags Flags) (*Connector, error) {
	sd := env.Arena.Alloc()
	if sd == nil {
		return nil, ErrNoDescriptor
	}
	sd.Set(EpDetached)
	c := newConnector(env, sd, flags)
	c.owner = owner
	c.ops = &checkOps
	return c, nil
}

// attachStreamOwner binds the stream owner and resolves the operation
// table from the endpoint kind already present on the descriptor.
func (c *Connector) attachStreamOwner(owner StreamOwner) error {
	c.owner = owner
	switch {
	case c.sd.Test(EpMux):
		c.sub.Tasklet = c.env.Sched.NewTasklet(c.connIOCB)
		c.ops = &connOps
	case c.sd.Test(EpApplet):
		c.ops = &appletOps
	default:
		c.ops = &embeddedOps
	}
	return nil
}

// AttachMux attaches a mux endpoint to the connector. endpoint is the
// mux's per-stream context, conn the lower connection.
func (c *Connector) AttachMux(endpoint any, conn Connection) error {
	sd := c.sd
	sd.se = endpoint
	sd.conn = conn
	sd.Set(EpMux)
	sd.Clr(EpDetached)

	if _, ok := c.owner.(CheckOwner); ok {
		c.ops = &checkOps
		if c.sub.Tasklet == nil {
			c.sub.Tasklet = c.env.Sched.NewTasklet(c.checkIOCB)
		}
		return nil
	}
	if c.owner != nil {
		c.ops = &connOps
		if c.sub.Tasklet == nil {
			c.sub.Tasklet = c.env.Sched.NewTasklet(c.connIOCB)
		}
	}
	return nil
}

// AttachApplet attaches an applet endpoint to the connector.
func (c *Connector) AttachApplet(runner AppletRunner) {
	sd := c.sd
	sd.se = runner
	sd.Set(EpApplet)
	sd.Clr(EpDetached)
	if c.owner != nil {
		c.ops = &appletOps
	}
}

// AttachStream binds a stream owner to a connector created from an
// endpoint that had none yet.
func (c *Connector) AttachStream(owner StreamOwner) error {
	return c.attachStreamOwner(owner)
}

// detachEndpoint unbinds the endpoint from the connector. The peer
// cross-reference is severed first, under the pair lock, so the other
// side can never resolve a half-torn-down descriptor. Depending on the
// endpoint kind the descriptor is handed to the mux (which releases it
// once its own side is done), freed along with the applet, or recycled
// in place when it was never bound.
func (c *Connector) detachEndpoint() {
	sd := c.sd
	if sd == nil {
		goto reset
	}

	if peer, unlock := sd.PeerAndLock(); peer != nil {
		disconnectPeers(sd, peer)
		unlock()
	}

	if sd.Test(EpMux) {
		conn := sd.conn
		if mux := conn.Mux(); mux != nil {
			sd.sc = nil
			sd.Set(EpOrphan)
			c.sd = nil
			mux.Detach(sd)
		} else {
			// too early to have a mux, destroy the connection and
			// recycle the descriptor
			conn.FullClose()
			conn.Release()
		}
	} else if sd.Test(EpApplet) {
		runner := sd.se.(AppletRunner)
		sd.sc = nil
		sd.Set(EpOrphan)
		c.sd = nil
		runner.Shut()
	}

	if c.sd != nil {
		// endpoint never bound, recycle the descriptor in place
		c.sd.resetState()
		c.sd.Set(EpDetached)
	}

reset:
	c.sub.Tasklet = nil
	c.sub.Clr(EventRecv | EventSend)
	// shutdown marks survive a detach, everything else is transient
	c.flags &= FlIsBack | FlAbrtDone | FlShutDone
	if c.owner != nil {
		if _, ok := c.owner.(CheckOwner); ok {
			c.ops = &checkOps
		} else {
			c.ops = &embeddedOps
		}
	}
}

// detachApp unbinds the owner from the connector.
func (c *Connector) detachApp() {
	c.owner = nil
	c.ops = &embeddedOps
	c.src, c.dst = nil, nil
	c.sub.Tasklet = nil
	c.sub.Clr(EventRecv | EventSend)
}

// freeCond releases the connector's descriptor once neither side
// references it anymore.
func (c *Connector) freeCond() {
	if c.owner != nil {
		return
	}
	if c.sd != nil && !c.sd.Test(EpDetached) {
		return
	}
	if c.sd != nil {
		c.env.Arena.Release(c.sd)
		c.sd = nil
	}
	if c.env.Metrics != nil {
		c.env.Metrics.ConnectorsDestroyed.Inc()
	}
}

// Destroy detaches the endpoint and the owner and releases what the
// connector still holds.
func (c *Connector) Destroy() {
	c.detachEndpoint()
	c.detachApp()
	c.freeCond()
}

// ResetEndpoint detaches the current endpoint and installs a fresh
// detached descriptor, keeping the owner bound. The new descriptor is
// allocated first so a failed allocation leaves the connector intact
// with EpError raised.
func (c *Connector) ResetEndpoint() error {
	c.sd.Clr(EpError)
	if !c.sd.TestAny(EpMux | EpApplet) {
		// nothing bound, a plain detach recycles in place
		c.detachEndpoint()
		return nil
	}

	sd := c.env.Arena.Alloc()
	if sd == nil {
		c.sd.Set(EpError)
		return ErrNoDescriptor
	}
	c.detachEndpoint()
	if c.sd != nil {
		// detach kept the old descriptor, trade it for the new one
		c.env.Arena.Release(c.sd)
	}
	c.sd = sd
	sd.sc = c
	sd.Set(EpDetached)
	return nil
}

// State returns the connector's lifecycle state.
func (c *Connector) State() State { return c.state }

// SetState moves the connector to the given state. Transitions are
// driven by the owner and the connect machinery; the connector itself
// only moves to DISCONNECTED/CLOSED during shutdown.
func (c *Connector) SetState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.env.Metrics != nil {
		c.env.Metrics.StateTransitions.WithLabelValues(s.String()).Inc()
	}
}

// StateIn reports whether the connector's state is in the set.
func (c *Connector) StateIn(set StateBits) bool { return StateIn(c.state, set) }

// Flags returns the connector's flag set.
func (c *Connector) Flags() Flags { return c.flags }

// Test reports whether all of the given flags are set.
func (c *Connector) Test(f Flags) bool { return c.flags&f == f }

// TestAny reports whether any of the given flags is set.
func (c *Connector) TestAny(f Flags) bool { return c.flags&f != 0 }

// SetFlags sets the given flags.
func (c *Connector) SetFlags(f Flags) { c.flags |= f }

// ClrFlags clears the given flags.
func (c *Connector) ClrFlags(f Flags) { c.flags &^= f }

// Sd returns the bound endpoint descriptor, nil while detaching.
func (c *Connector) Sd() *Descriptor { return c.sd }

// Owner returns the application object driving the connector.
func (c *Connector) Owner() Owner { return c.owner }

// Env returns the environment the connector lives in.
func (c *Connector) Env() *Env { return c.env }

// Conn returns the lower connection, nil for applet endpoints.
func (c *Connector) Conn() Connection {
	if c.sd == nil {
		return nil
	}
	return c.sd.conn
}

// Appctx returns the applet runner, nil for mux endpoints.
func (c *Connector) Appctx() AppletRunner {
	if c.sd == nil || !c.sd.Test(EpApplet) {
		return nil
	}
	r, _ := c.sd.se.(AppletRunner)
	return r
}

func (c *Connector) mux() Mux {
	if conn := c.Conn(); conn != nil {
		return conn.Mux()
	}
	return nil
}

// ic returns the input channel: the one this connector's reads feed.
func (c *Connector) ic() *channel.Channel { return c.owner.InChannel(c) }

// oc returns the output channel: the one this connector sends from.
func (c *Connector) oc() *channel.Channel { return c.owner.OutChannel(c) }

// opposite returns the connector facing this one on the same stream,
// or nil when the owner is not a stream.
func (c *Connector) opposite() *Connector {
	if so, ok := c.owner.(StreamOwner); ok {
		return so.Opposite(c)
	}
	return nil
}

// epTest reports whether all of the given endpoint flags are set.
func (c *Connector) epTest(f EndpointFlags) bool { return c.sd.Test(f) }

// epTestAny reports whether any of the given endpoint flags is set.
func (c *Connector) epTestAny(f EndpointFlags) bool { return c.sd.TestAny(f) }

func (c *Connector) epSet(f EndpointFlags) { c.sd.Set(f) }
func (c *Connector) epClr(f EndpointFlags) { c.sd.Clr(f) }

// SetAddrs installs the resolved source/destination addresses.
func (c *Connector) SetAddrs(src, dst net.Addr) {
	c.src, c.dst = src, dst
}

// SrcAddr returns the source address, resolving it lazily from the
// lower connection.
func (c *Connector) SrcAddr() net.Addr {
	if c.src == nil {
		if conn := c.Conn(); conn != nil {
			c.src = conn.RemoteAddr()
		}
	}
	return c.src
}

// DstAddr returns the destination address, resolving it lazily from
// the lower connection.
func (c *Connector) DstAddr() net.Addr {
	if c.dst == nil {
		if conn := c.Conn(); conn != nil {
			c.dst = conn.LocalAddr()
		}
	}
	return c.dst
}

// NeedRoom blocks receives until at least n bytes of room are
// available in the input channel. n == 0 means any released space is
// enough; a negative n blocks until an explicit HaveRoom.
func (c *Connector) NeedRoom(n int) {
	c.flags |= FlNeedRoom
	if n < 0 {
		n = roomUnlimited
	}
	c.roomNeeded = n
}

// HaveRoom unblocks a connector waiting for room and wakes its I/O
// tasklet if receives become possible again.
func (c *Connector) HaveRoom() {
	if c.flags&FlNeedRoom == 0 {
		return
	}
	c.flags &^= FlNeedRoom
	c.roomNeeded = 0
	if c.sub.Tasklet != nil {
		c.sub.Tasklet.Wakeup()
	}
}

// roomSatisfied reports whether the available room in ic satisfies the
// recorded need.
func (c *Connector) roomSatisfied(ic *channel.Channel) bool {
	if c.roomNeeded < 0 {
		return false
	}
	if c.roomNeeded == 0 {
		return !ic.Full(0)
	}
	return ic.RecvMax() >= c.roomNeeded
}

// WontRead marks the connector as not interested in reading more data.
func (c *Connector) WontRead() {
	c.flags |= FlWontRead
	if c.sd != nil {
		c.sd.Set(EpWontConsume)
	}
}

// WillRead re-enables reading after a WontRead.
func (c *Connector) WillRead() {
	c.flags &^= FlWontRead
	if c.sd != nil {
		c.sd.Clr(EpWontConsume)
	}
}

// IsRecvAllowed reports whether the connector may receive right now:
// input still open, reads not paused, and the endpoint known to hold
// (or possibly hold) data.
func (c *Connector) IsRecvAllowed() bool {
	if c.flags&(FlAbrtDone|FlEOS) != 0 {
		return false
	}
	if c.ic().Has(channel.DontRead) {
		return false
	}
	if c.flags&(FlWontRead|FlNeedBuff|FlNeedRoom) != 0 {
		return false
	}
	return !c.epTestAny(EpAppletNeedConn | EpHaveNoData)
}

// IsSendAllowed reports whether the connector may send right now.
func (c *Connector) IsSendAllowed() bool {
	if c.flags&FlShutDone != 0 {
		return false
	}
	return !c.epTestAny(EpWaitData | EpWontConsume)
}

// ScheduleAbort requests a read-side abort to be performed as soon as
// possible by the owner's next reconciliation.
func (c *Connector) ScheduleAbort() {
	if c.flags&(FlAbrtDone|FlAbrtWanted) != 0 {
		return
	}
	c.flags |= FlAbrtWanted
	c.ic().Clr(channel.DontRead)
}

// ScheduleShutdown requests a write-side shutdown to be performed once
// pending output drains.
func (c *Connector) ScheduleShutdown() {
	if c.flags&(FlShutDone|FlShutWanted) != 0 {
		return
	}
	c.flags |= FlShutWanted
}

// Abort performs the read-side abort now, through the endpoint's
// operation table.
func (c *Connector) Abort() { c.ops.abort(c) }

// Shutdown performs the write-side shutdown now, through the
// endpoint's operation table.
func (c *Connector) Shutdown() { c.ops.shut(c) }

// ChkRcv lets the endpoint produce again if receiving is currently
// allowed. The endpoint is marked data-less first; it clears the mark
// through HaveMoreData when it actually holds something.
func (c *Connector) ChkRcv() {
	if c.epTest(EpAppletNeedConn) && c.opposite() != nil &&
		c.opposite().StateIn(bitsReadyEst|bitsEstClosing) {
		c.epClr(EpAppletNeedConn)
		c.sd.ReportReadActivity()
	}

	if !c.IsRecvAllowed() {
		return
	}
	if !c.StateIn(bitsReadyEst) {
		return
	}
	c.sd.Set(EpHaveNoData)
	c.ops.chkRcv(c)
}

// ChkSnd notifies the endpoint that the output channel gained data;
// dispatched through the operation table.
func (c *Connector) ChkSnd() { c.ops.chkSnd(c) }

// rcvExpire returns the deadline of the receive side: last read
// activity plus the I/O timeout. Zero while reads are blocked for a
// reason the peer cannot influence.
func (c *Connector) rcvExpire() time.Time {
	if c.Ioto == 0 || c.flags&(FlAbrtDone|FlEOS) != 0 {
		return time.Time{}
	}
	lra, ok := c.sd.lastReadActivity()
	if !ok {
		return time.Time{}
	}
	return lra.Add(c.Ioto)
}

// SendExpire returns the deadline of the send side: first blocked send
// plus the I/O timeout. Zero while no send is blocked. The owner polls
// it to turn a stalled consumer into a write-timeout event.
func (c *Connector) SendExpire() time.Time {
	if c.Ioto == 0 || c.flags&FlShutDone != 0 {
		return time.Time{}
	}
	fsb, ok := c.sd.firstBlockedSend()
	if !ok {
		return time.Time{}
	}
	return fsb.Add(c.Ioto)
}

// CheckTimeouts converts an expired send deadline into a write-timeout
// event on the output channel. The owner reacts to the event during
// its reconciliation pass.
func (c *Connector) CheckTimeouts(now time.Time) {
	if exp := c.SendExpire(); !exp.IsZero() && !now.Before(exp) {
		c.oc().Set(channel.WriteTimeout)
	}
}

// checkIOCB turns endpoint readiness into a wakeup of the check's own
// task; health checks do their I/O from there.
func (c *Connector) checkIOCB() {
	c.sub.Clr(EventRecv | EventSend)
	if c.owner != nil {
		c.owner.Task().Wakeup(sched.WokenIO)
	}
}
