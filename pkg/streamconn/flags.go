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

import "strings"

// EndpointFlags describe the state of an endpoint descriptor. The
// EpMux/EpApplet/EpDetached/EpOrphan group is maintained by the
// connector layer; the rest is set by the endpoint (mux or applet) and
// read by the application layer, or vice versa.
type EndpointFlags uint32

// Endpoint descriptor flags.
const (
	// EpMux marks a connection-backed endpoint.
	EpMux EndpointFlags = 1 << iota
	// EpApplet marks an applet-backed endpoint.
	EpApplet
	// EpDetached means no mux and no applet is attached.
	EpDetached
	// EpOrphan means no connector owns the descriptor anymore.
	EpOrphan
	// EpEOI is set by the endpoint once the protocol says that no more
	// data will ever come. Distinct from an error.
	EpEOI
	// EpEOS is set by the endpoint once the transport end-of-stream was
	// delivered.
	EpEOS
	// EpError is set by the endpoint on a fatal transport error.
	EpError
	// EpErrPending is an error with data still to be read first.
	EpErrPending
	// EpMaySplice means the endpoint can feed a kernel pipe directly.
	EpMaySplice
	// EpRcvMore means the endpoint holds more bytes to transfer.
	EpRcvMore
	// EpWantRoom means the endpoint holds more bytes but found no room.
	EpWantRoom
	// EpWaitForHS means the stream waits for the transport handshake.
	EpWaitForHS
	// EpKillConn requests killing the connection when the connector
	// closes.
	EpKillConn
	// EpWaitData means the endpoint cannot work without more output
	// data from the stream.
	EpWaitData
	// EpWontConsume means the endpoint will not consume more data.
	EpWontConsume
	// EpHaveNoData means the endpoint has nothing more to deliver.
	EpHaveNoData
	// EpAppletNeedConn means the applet waits for the other side to
	// (fail to) connect.
	EpAppletNeedConn
)

var endpointFlagNames = map[EndpointFlags]string{
	EpMux:            "MUX",
	EpApplet:         "APPLET",
	EpDetached:       "DETACHED",
	EpOrphan:         "ORPHAN",
	EpEOI:            "EOI",
	EpEOS:            "EOS",
	EpError:          "ERROR",
	EpErrPending:     "ERR_PENDING",
	EpMaySplice:      "MAY_SPLICE",
	EpRcvMore:        "RCV_MORE",
	EpWantRoom:       "WANT_ROOM",
	EpWaitForHS:      "WAIT_FOR_HS",
	EpKillConn:       "KILL_CONN",
	EpWaitData:       "WAIT_DATA",
	EpWontConsume:    "WONT_CONSUME",
	EpHaveNoData:     "HAVE_NO_DATA",
	EpAppletNeedConn: "APPLET_NEED_CONN",
}

func (f EndpointFlags) String() string {
	return flagString(uint32(f), func(bit uint32) string {
		return endpointFlagNames[EndpointFlags(bit)]
	})
}

// Flags describe the state of a connector as seen by its owner.
//
// The abort/shutdown pairs work like this: a *Wanted flag records the
// owner's intent, the matching *Done flag records that it happened.
// Done flags are monotonic: once set they stay set for the connector's
// lifetime.
type Flags uint32

// Connector flags.
const (
	// FlIsBack marks the connector on the backend side of its stream.
	FlIsBack Flags = 1 << iota
	// FlEOI: end of input was reached, no more data will be received.
	FlEOI
	// FlError: a fatal error was reported by the endpoint.
	FlError
	// FlNoLinger: may close without lingering. One-shot.
	FlNoLinger
	// FlNoHalf: no half close, a read-side close is propagated to the
	// write side as soon as it is safe.
	FlNoHalf
	// FlDontWake suppresses owner wakeups during a resync.
	FlDontWake
	// FlWontRead: the connector does not want to read more data.
	FlWontRead
	// FlNeedBuff: waiting for a buffer allocation to complete.
	FlNeedBuff
	// FlNeedRoom: waiting for room in the input buffer.
	FlNeedRoom
	// FlRcvOnce: don't loop to receive, cleared after a receive.
	FlRcvOnce
	// FlSndAsap: don't wait before sending, cleared once all was sent.
	FlSndAsap
	// FlSndNeverWait: never wait before sending (permanent).
	FlSndNeverWait
	// FlSndExpMore: more data expected to be sent very soon.
	FlSndExpMore
	// FlAbrtWanted: an abort was requested and must be performed ASAP.
	FlAbrtWanted
	// FlShutWanted: a shutdown was requested and must be performed ASAP.
	FlShutWanted
	// FlAbrtDone: an abort was performed. Monotonic.
	FlAbrtDone
	// FlShutDone: a shutdown was performed. Monotonic.
	FlShutDone
	// FlEOS: end of stream was reached.
	FlEOS
)

var connectorFlagNames = map[Flags]string{
	FlIsBack:       "ISBACK",
	FlEOI:          "EOI",
	FlError:        "ERROR",
	FlNoLinger:     "NOLINGER",
	FlNoHalf:       "NOHALF",
	FlDontWake:     "DONT_WAKE",
	FlWontRead:     "WONT_READ",
	FlNeedBuff:     "NEED_BUFF",
	FlNeedRoom:     "NEED_ROOM",
	FlRcvOnce:      "RCV_ONCE",
	FlSndAsap:      "SND_ASAP",
	FlSndNeverWait: "SND_NEVERWAIT",
	FlSndExpMore:   "SND_EXP_MORE",
	FlAbrtWanted:   "ABRT_WANTED",
	FlShutWanted:   "SHUT_WANTED",
	FlAbrtDone:     "ABRT_DONE",
	FlShutDone:     "SHUT_DONE",
	FlEOS:          "EOS",
}

func (f Flags) String() string {
	return flagString(uint32(f), func(bit uint32) string {
		return connectorFlagNames[Flags(bit)]
	})
}

func flagString(v uint32, name func(uint32) string) string {
	if v == 0 {
		return "NONE"
	}
	var parts []string
	for bit := uint32(1); bit != 0; bit <<= 1 {
		if v&bit == 0 {
			continue
		}
		if n := name(bit); n != "" {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, "|")
}
