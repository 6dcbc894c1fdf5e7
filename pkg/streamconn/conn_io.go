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
	"github.com/edgerelay/edgerelay/pkg/util/fasttime"
)

// ensureInputBuffer allocates the input channel's buffer, or blocks
// the connector on the pool's release broadcast.
func (c *Connector) ensureInputBuffer(ic *channel.Channel) bool {
	if ic.EnsureBuffer() {
		return true
	}
	c.flags |= FlNeedBuff
	c.env.Buffers.Wait(c.sub.Tasklet)
	if m := c.env.Metrics; m != nil {
		m.BufferStarvations.Inc()
	}
	return false
}

// connRecv pulls whatever the mux endpoint holds into the input
// channel, trying the zero-copy path first when permitted, then the
// buffered path in a bounded loop. It returns true when the caller
// must run the reconciliation because something notable happened.
func (c *Connector) connRecv() bool {
	conn := c.Conn()
	ic := c.ic()
	sco := c.opposite()
	curRead := 0
	readPoll := c.env.Tune.ReadPollLoops
	var flags RcvFlags

	if c.state != StateEstablished {
		return false
	}

	// a previous call left us waiting for a buffer or for room
	if c.flags&FlNeedBuff != 0 && ic.EnsureBuffer() {
		c.flags &^= FlNeedBuff
	}
	if c.flags&(FlNeedBuff|FlNeedRoom) != 0 {
		return false
	}

	// we may be called right after an asynchronous abort
	if c.flags&(FlEOS|FlAbrtDone) != 0 {
		return true
	}

	mux := conn.Mux()
	if mux == nil {
		return false
	}

	// an error stops everything, except when the endpoint still holds
	// readable data in front of it
	stop := false
	if !c.epTest(EpRcvMore) {
		if c.epTest(EpError) {
			stop = true
		}
	}

	c.epClr(EpWantRoom)

	if !stop && ic.HasAny(channel.Streamer|channel.StreamerFast) &&
		ic.OutputData() == 0 && c.env.Tune.IdleTimer > 0 &&
		fasttime.Since(ic.LastRead) >= c.env.Tune.IdleTimer {
		// empty and quiet for a while: that was a pause, not
		// congestion, drop the streaming classification
		ic.XferSmall = 0
		ic.XferLarge = 0
		ic.Clr(channel.Streamer | channel.StreamerFast)
	}

	// zero-copy attempt before touching any buffer
	skipRecv := false
	if !stop && c.epTest(EpMaySplice) && ic.Has(channel.KernSplicing) &&
		(ic.Pipe != nil || ic.ToForward >= uint64(c.env.Tune.MinSpliceForward)) {
		if ic.Data() != 0 {
			// data already sits in the buffer; we don't want it in
			// two places at a time, ask the consumer to hurry
			flags |= RcvBufFlush
		} else {
			if ic.Pipe == nil {
				if ic.Pipe = c.env.Pipes.Get(); ic.Pipe == nil {
					ic.Clr(channel.KernSplicing)
				}
			}
			if ic.Pipe != nil {
				ret := mux.RcvPipe(c.sd, ic.Pipe, ic.ToForward)
				if ret < 0 {
					// splicing unusable on this endpoint
					ic.Clr(channel.KernSplicing)
				} else {
					if ret > 0 {
						if ic.ToForward != channel.InfiniteForward {
							ic.ToForward -= uint64(ret)
						}
						ic.Total += uint64(ret)
						curRead += ret
						ic.Set(channel.ReadEvent)
						if m := c.env.Metrics; m != nil {
							m.SplicedBytes.Add(float64(ret))
						}
					}
					if c.epTestAny(EpEOS | EpError) {
						stop = true
					} else if c.epTest(EpWantRoom) {
						// the pipe is full or close to it, stop
						// before having to poll
						c.NeedRoom(0)
						skipRecv = true
					}
				}
			}
		}
	}

	if !stop {
		if ic.Pipe != nil && ic.Pipe.Data == 0 {
			c.env.Pipes.Put(ic.Pipe)
			ic.Pipe = nil
		}
		// don't break an ongoing splice with buffered reads
		if !skipRecv && ic.Pipe != nil && ic.ToForward > 0 &&
			flags&RcvBufFlush == 0 && c.epTest(EpMaySplice) {
			skipRecv = true
		}
	}

	if !stop && !skipRecv && !c.ensureInputBuffer(ic) {
		stop = true
	}

	if !stop && !skipRecv {
		for c.epTest(EpRcvMore) ||
			(!conn.HandshakePending() && !c.epTestAny(EpError|EpEOS) &&
				c.flags&FlAbrtDone == 0) {
			curFlags := flags
			if ic.OutputData() != 0 {
				curFlags |= RcvBufWet | RcvBufNotStuck
			}

			// max may be zero; it is then the endpoint's job to raise
			// EpRcvMore/EpWantRoom if it holds more
			max := ic.RecvMax()
			ret := mux.RcvBuf(c.sd, ic, max, curFlags)

			if c.epTest(EpWantRoom) {
				c.NeedRoom(ic.RecvMax() + 1)
				// data is pending but cannot reach the channel yet
				ic.Set(channel.ReadEvent)
				c.sd.ReportReadActivity()
			}

			if ret <= 0 {
				// if we refrained because a flush was requested for
				// the splice path, report missing room instead of
				// subscribing
				if flags&RcvBufFlush != 0 {
					c.NeedRoom(roomUnlimited)
				}
				break
			}

			curRead += ret

			// fast-forward freshly received bytes to the output when
			// the budget and the consumer allow it
			if ic.ToForward > 0 &&
				(sco == nil || sco.flags&(FlShutDone|FlShutWanted) == 0) {
				ic.Advance(ic.ForwardBudget(ret))
			}

			ic.Set(channel.ReadEvent)

			// end of input: leave the loop so shutdowns can still be
			// received whatever the channel's policies
			if c.epTest(EpEOI) {
				break
			}

			if c.flags&FlRcvOnce != 0 {
				c.WontRead()
				break
			}
			if readPoll--; readPoll <= 0 {
				c.WontRead()
				break
			}

			if ret < max {
				// a streamer reading few bytes has drained the
				// system buffers, not worth insisting
				if ic.Has(channel.Streamer) {
					break
				}
				// a large block smaller than requested means nothing
				// more will come right now
				if ret >= c.env.Tune.RecvEnough {
					break
				}
			}

			if c.flags&(FlWontRead|FlNeedBuff|FlNeedRoom) != 0 {
				break
			}
		}
	}

	if !stop && curRead > 0 {
		c.accountRead(ic, curRead)
	}

	wake := curRead != 0

	if c.epTest(EpEOI) && c.flags&FlEOI == 0 {
		c.sd.ReportReadActivity()
		c.flags |= FlEOI
		ic.Set(channel.ReadEvent)
		wake = true
	}

	if c.epTest(EpEOS) {
		if ic.Has(channel.AutoClose) && sco != nil {
			sco.ScheduleShutdown()
		}
		c.connEOS()
		wake = true
	}

	if c.epTest(EpError) {
		c.flags |= FlError
		wake = true
	} else if c.flags&(FlWontRead|FlNeedBuff|FlNeedRoom) == 0 &&
		c.flags&(FlEOS|FlAbrtDone) == 0 {
		// blocked on I/O, ask the endpoint to call us back
		mux.Subscribe(c.sd, EventRecv, &c.sub)
		c.sd.HaveNoMoreData()
	} else {
		c.sd.HaveMoreData()
		wake = true
	}
	return wake
}

// accountRead feeds the streamer heuristic and the activity stamps
// after a receive pass that moved curRead bytes.
func (c *Connector) accountRead(ic *channel.Channel, curRead int) {
	if ic.HasAny(channel.Streamer|channel.StreamerFast) && curRead <= ic.Size()/2 {
		ic.XferLarge = 0
		ic.XferSmall++
		if ic.XferSmall >= 3 {
			// below half a buffer three times in a row, this is
			// definitely not a streamer
			ic.Clr(channel.Streamer | channel.StreamerFast)
		} else if ic.XferSmall >= 2 {
			// at least we receive faster than we send
			ic.Clr(channel.StreamerFast)
		}
	} else if !ic.Has(channel.StreamerFast) && curRead >= ic.Size() {
		ic.XferSmall = 0
		ic.XferLarge++
		if ic.XferLarge >= 3 {
			// a full buffer per call three times in a row
			ic.Set(channel.Streamer | channel.StreamerFast)
		}
	} else {
		ic.XferSmall = 0
		ic.XferLarge = 0
	}
	ic.LastRead = fasttime.Now()
	c.sd.ReportReadActivity()
	if m := c.env.Metrics; m != nil {
		m.BytesIn.Add(float64(curRead))
	}
}

// connEOS handles a transport end-of-stream reported by the endpoint:
// record it, and either stay half-open, forward the close, or finish
// tearing the connection down when the write side is already shut.
func (c *Connector) connEOS() {
	ic := c.ic()

	if c.flags&(FlEOS|FlAbrtDone) != 0 {
		return
	}
	c.flags |= FlEOS
	ic.Set(channel.ReadEvent)
	c.sd.ReportReadActivity()

	if !c.StateIn(bitsOpen) {
		return
	}

	doClose := false
	if c.flags&FlShutDone != 0 {
		doClose = true
	} else if c.condForwardShut() {
		// read side closed and half-open refused: close the write
		// side now, silently
		c.muxShutw(ShutSilent)
		doClose = true
	}
	if !doClose {
		// a normal read shutdown
		return
	}

	c.muxShut()
	c.flags &^= FlShutWanted
	c.flags |= FlShutDone
	c.SetState(StateDisconnected)
	c.clearConnExpire()
	if m := c.env.Metrics; m != nil {
		m.Shutdowns.Inc()
	}
}

// connSend pushes pending output to the mux endpoint, spliced bytes
// first, then the buffered output region. It returns true when data
// moved or an error must be looked at.
func (c *Connector) connSend() bool {
	conn := c.Conn()
	oc := c.oc()
	didSend := false

	if c.epTestAny(EpError|EpErrPending) || c.isConnError() {
		// the owner may have already decided to retry; don't pile a
		// new error on a connector moved back before the connect
		if c.state < StateConnecting {
			return false
		}
		if c.epTest(EpEOS) {
			c.epSet(EpError)
		}
		c.flags |= FlError
		return true
	}

	// already waiting to be able to send
	if c.sub.Test(EventSend) {
		return false
	}

	// we may be called right after an asynchronous shutdown
	if c.flags&FlShutDone != 0 {
		return true
	}

	mux := conn.Mux()
	if mux == nil {
		return false
	}

	if oc.Pipe != nil {
		ret := mux.SndPipe(c.sd, oc.Pipe)
		if ret > 0 {
			didSend = true
			if m := c.env.Metrics; m != nil {
				m.SplicedBytes.Add(float64(ret))
			}
		}
		if oc.Pipe.Data == 0 {
			c.env.Pipes.Put(oc.Pipe)
			oc.Pipe = nil
		}
	}

	// the pipe must fully drain before buffered bytes may follow
	if oc.Pipe == nil && oc.OutputData() != 0 {
		var sndFlags SndFlags

		// ask the transport to coalesce when we know more follows:
		// a bounded forward still in progress, an explicit hint, or
		// a shutdown that will ride the last segment
		if (c.flags&(FlSndAsap|FlSndNeverWait) == 0 &&
			((oc.ToForward > 0 && oc.ToForward != channel.InfiniteForward) ||
				c.flags&FlSndExpMore != 0)) ||
			(oc.Has(channel.AutoClose) && c.flags&FlShutWanted != 0) {
			sndFlags |= SndMsgMore
		}
		if oc.Has(channel.Streamer) {
			sndFlags |= SndStreamer
		}

		ret := mux.SndBuf(c.sd, oc, oc.OutputData(), sndFlags)
		if ret > 0 {
			didSend = true
			if oc.OutputData() == 0 {
				// both flags are one-shot
				c.flags &^= FlSndAsap | FlSndExpMore
			}
			if m := c.env.Metrics; m != nil {
				m.BytesOut.Add(float64(ret))
			}
		}
	}

	if didSend {
		oc.Set(channel.WriteEvent | channel.WroteData)
		if c.state == StateConnecting {
			c.SetState(StateReady)
		}
		if sco := c.opposite(); sco != nil {
			sco.HaveRoom()
		}
	}

	if c.epTestAny(EpError | EpErrPending) {
		oc.Set(channel.WriteEvent)
		if c.epTest(EpEOS) {
			c.epSet(EpError)
		}
		c.flags |= FlError
		return true
	}

	if !oc.IsEmpty() {
		// couldn't flush everything, the endpoint will call us back
		mux.Subscribe(c.sd, EventSend, &c.sub)
		c.sd.ReportBlockedSend(didSend)
	} else {
		c.sd.ReportSendActivity()
	}
	return didSend
}

// connProcess reports connection-level conditions (errors, finished
// handshakes, establishment) onto the connector, then runs the
// reconciliation. It is both the second half of the I/O callback and
// the endpoint's wake entry point.
func (c *Connector) connProcess() {
	conn := c.Conn()
	ic, oc := c.ic(), c.oc()

	if !oc.IsEmpty() && !c.sub.Test(EventSend) {
		c.connSend()
	}

	if c.state >= StateConnecting && c.isConnError() {
		c.epSet(EpError)
	}

	// handshake over: release whoever waited on it
	if conn != nil && !conn.HandshakePending() && c.epTest(EpWaitForHS) {
		c.epClr(EpWaitForHS)
		c.owner.Task().Wakeup(sched.WokenMsg)
	}

	if !c.StateIn(bitsEstClosing) && (conn == nil || !conn.HandshakePending()) {
		c.clearConnExpire()
		oc.Set(channel.WriteEvent)
		if c.state == StateConnecting {
			c.SetState(StateReady)
		}
	}

	if c.epTest(EpEOS) && c.flags&FlEOS == 0 {
		if ic.Has(channel.AutoClose) {
			if sco := c.opposite(); sco != nil {
				sco.ScheduleShutdown()
			}
		}
		c.connEOS()
	}

	if c.epTest(EpEOI) && c.flags&FlEOI == 0 {
		c.flags |= FlEOI
		ic.Set(channel.ReadEvent)
	}

	c.Notify()
	if so, ok := c.owner.(StreamOwner); ok {
		so.ReleaseBuffers()
	}
}

// connIOCB is the connector's I/O tasklet body: send what's pending,
// receive what's available, reconcile if anything happened.
func (c *Connector) connIOCB() {
	if c.Conn() == nil {
		return
	}

	wake := false
	if !c.sub.Test(EventSend) && !c.oc().IsEmpty() {
		wake = c.connSend()
	}
	if !c.sub.Test(EventRecv) {
		if c.connRecv() {
			wake = true
		}
	}
	if wake {
		c.connProcess()
	} else if so, ok := c.owner.(StreamOwner); ok {
		so.ReleaseBuffers()
	}
}

// SyncRecv performs an opportunistic synchronous receive from the
// owner's own task, saving a tasklet round-trip.
func (c *Connector) SyncRecv() {
	if !c.StateIn(bitsReadyEst) {
		return
	}
	if c.mux() == nil {
		return
	}
	if !c.IsRecvAllowed() {
		return
	}
	c.connRecv()
}

// SyncSend performs an opportunistic synchronous send from the owner's
// own task.
func (c *Connector) SyncSend() {
	oc := c.oc()

	oc.Clr(channel.WriteEvent)

	if c.flags&FlShutDone != 0 {
		return
	}
	if oc.IsEmpty() {
		return
	}
	if !c.StateIn(bitsOpen) {
		return
	}
	if c.mux() == nil {
		return
	}
	c.connSend()
}
