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
	"time"

	"github.com/edgerelay/edgerelay/pkg/channel"
	"github.com/edgerelay/edgerelay/pkg/sched"
)

// Notify is the single reconciliation routine run after every I/O
// completion or external wakeup on a connector. It performs the
// deferred shutdown when the output drained, refreshes the wait-data
// state, lets the peer push or pull, and finally decides whether the
// owning task must be woken now or merely have its deadline requeued.
func (c *Connector) Notify() {
	ic, oc := c.ic(), c.oc()
	sco := c.opposite()
	task := c.owner.Task()

	// consumer side: a scheduled shutdown fires once all output left
	if oc.IsEmpty() {
		conn := c.Conn()
		if c.flags&(FlShutDone|FlShutWanted) == FlShutWanted &&
			c.state == StateEstablished &&
			(conn == nil || !conn.HandshakePending()) {
			c.Shutdown()
		}
	}

	// tell the endpoint whether more output data may be expected
	if c.flags&(FlShutDone|FlShutWanted) == 0 {
		c.epSet(EpWaitData)
	} else if c.flags&(FlShutDone|FlShutWanted) == FlShutWanted {
		c.epClr(EpWaitData)
	}

	if sco != nil {
		// the reader of oc is the opposite connector; relay the
		// channel's read policy to it
		if oc.Has(channel.DontRead) {
			sco.WontRead()
		} else {
			sco.WillRead()
		}

		// let the consumer drain what we produced, and detect
		// whether it freed the space we were blocked on
		if ic.Data() != 0 && !sco.Test(FlShutDone) {
			lastLen := ic.OutputData()
			if ic.Pipe != nil {
				lastLen += ic.Pipe.Data
			}

			sco.ChkSnd()

			newLen := ic.OutputData()
			if ic.Pipe != nil {
				newLen += ic.Pipe.Data
			}
			if newLen < lastLen && c.flags&FlNeedRoom != 0 && c.roomSatisfied(ic) {
				c.HaveRoom()
			}
		}
	}

	if !ic.Has(channel.DontRead) {
		c.WillRead()
	}

	c.ChkRcv()
	if sco != nil {
		sco.ChkRcv()
	}

	if c.shouldWakeOwner(ic, oc, sco) {
		task.Wakeup(sched.WokenIO)
	} else {
		c.requeueOwner(task, ic, oc, sco)
	}

	if ic.Has(channel.ReadEvent) {
		c.flags &^= FlRcvOnce
	}

	if ops := c.ops; ops.wake != nil {
		ops.wake(c)
	}
}

// shouldWakeOwner implements the wake decision: the owner runs now
// only for events it must look at, everything else just reschedules
// its timeout.
func (c *Connector) shouldWakeOwner(ic, oc *channel.Channel, sco *Connector) bool {
	// production side: errors, read shutdowns, end of input, or data
	// that cannot be fast-forwarded without the owner
	if ic.Has(channel.ReadEvent) {
		if c.flags&(FlEOI|FlEOS|FlAbrtDone) != 0 ||
			ic.ToForward == 0 ||
			(sco != nil && sco.state != StateEstablished) {
			return true
		}
	}
	if c.flags&FlError != 0 {
		return true
	}

	// consumption side: write events around connection establishment,
	// shutdowns, or the end of a bounded transfer
	if oc.Has(channel.WriteEvent) {
		if c.state < StateEstablished {
			return true
		}
		if c.flags&FlShutDone != 0 {
			return true
		}
		if (oc.Has(channel.WakeWrite) ||
			(!oc.Has(channel.AutoClose) && c.flags&(FlShutWanted|FlShutDone) == 0)) &&
			((sco != nil && sco.state != StateEstablished) ||
				(oc.IsEmpty() && oc.ToForward == 0)) {
			return true
		}
	}
	return false
}

// requeueOwner recomputes the owner task's deadline from both sides'
// I/O activity and the channels' analysis deadlines.
func (c *Connector) requeueOwner(task *sched.Task, ic, oc *channel.Channel, sco *Connector) {
	expire := task.Expire()
	if !expire.IsZero() && !expire.After(time.Now()) {
		expire = time.Time{}
	}
	expire = sched.FirstExpire(expire, c.rcvExpire())
	expire = sched.FirstExpire(expire, c.SendExpire())
	if sco != nil {
		expire = sched.FirstExpire(expire, sco.rcvExpire())
		expire = sched.FirstExpire(expire, sco.SendExpire())
	}
	expire = sched.FirstExpire(expire, ic.AnalyseExp)
	expire = sched.FirstExpire(expire, oc.AnalyseExp)
	if so, ok := c.owner.(StreamOwner); ok {
		expire = sched.FirstExpire(expire, so.ConnExpire())
	}
	task.Queue(expire)
}

// UpdateRx reconciles the receive side with the input channel before
// the owner goes back to sleep: reads are blocked while flushed data
// sits in the channel or no room is left, and re-enabled otherwise.
func (c *Connector) UpdateRx() {
	ic := c.ic()

	if c.flags&(FlEOS|FlAbrtDone) != 0 {
		return
	}

	if ic.Has(channel.DontRead) {
		c.WontRead()
	} else {
		c.WillRead()
	}

	if !ic.IsEmpty() || ic.RecvMax() <= 0 {
		// store what we already have first
		c.NeedRoom(roomUnlimited)
	} else {
		c.HaveRoom()
	}
	c.ChkRcv()
}

// UpdateTx reconciles the send side with the output channel before the
// owner goes back to sleep.
func (c *Connector) UpdateTx() {
	oc := c.oc()

	if c.flags&FlShutDone != 0 {
		return
	}

	if oc.IsEmpty() {
		// nothing to write, ask to be told when data shows up
		if !c.epTest(EpWaitData) && c.flags&FlShutWanted == 0 {
			c.epSet(EpWaitData)
		}
		return
	}

	c.epClr(EpWaitData)
}
