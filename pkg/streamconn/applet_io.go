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
)

// appletEOS handles an end-of-stream synthesized by the applet.
func (c *Connector) appletEOS() {
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

	if c.flags&FlShutDone != 0 {
		c.Appctx().Shut()
		c.SetState(StateDisconnected)
		c.clearConnExpire()
	} else if c.condForwardShut() {
		appletShut(c)
	}
}

// AppletProcess is run by the applet's task after each handler pass:
// it reports what the applet observed onto the connector, reconciles
// both sides, and re-arms the applet when it may produce or consume
// again.
func (c *Connector) AppletProcess() {
	ic := c.ic()

	if c.epTest(EpEOI) && c.flags&FlEOI == 0 {
		c.sd.ReportReadActivity()
		c.flags |= FlEOI
		ic.Set(channel.ReadEvent)
	}

	if c.epTest(EpError) {
		c.flags |= FlError
	}

	if c.epTest(EpEOS) {
		if ic.Has(channel.AutoClose) {
			if sco := c.opposite(); sco != nil {
				sco.ScheduleShutdown()
			}
		}
		c.appletEOS()
	}

	// an applet with data for a closed read side is a broken pipe
	if !c.epTest(EpHaveNoData) && c.flags&(FlEOS|FlAbrtDone) != 0 {
		c.epSet(EpError)
		c.flags |= FlError
	}

	// an applet blocked by the channel has, by definition, more data
	if c.flags&(FlWontRead|FlNeedBuff|FlNeedRoom) != 0 ||
		c.epTest(EpAppletNeedConn) {
		c.sd.HaveMoreData()
	}

	c.Notify()
	if so, ok := c.owner.(StreamOwner); ok {
		so.ReleaseBuffers()
	}

	// the reconciliation may have lifted blocking conditions; the
	// applet will not notice by itself, re-arm it now
	if c.IsRecvAllowed() || c.IsSendAllowed() {
		c.Appctx().Wakeup()
	}
}
