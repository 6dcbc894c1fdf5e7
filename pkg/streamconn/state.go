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

// State is the lifecycle state of a connector. A frontend connector
// jumps straight from StateInit to StateEstablished; a backend one
// walks the connect sub-chain, possibly looping through
// StateConnectError and StateRetryWait on failed attempts. The policy
// driving the Queued/RetryWait transitions lives outside this package.
type State uint8

// Connector states, in lifecycle order.
const (
	StateInit State = iota
	StateRequesting
	StateQueued
	StateRetryWait
	StateConnecting
	StateConnectError
	StateReady
	StateEstablished
	StateDisconnected
	StateClosed
)

var stateNames = [...]string{
	StateInit:         "INIT",
	StateRequesting:   "REQUESTING",
	StateQueued:       "QUEUED",
	StateRetryWait:    "RETRY_WAIT",
	StateConnecting:   "CONNECTING",
	StateConnectError: "CONNECT_ERROR",
	StateReady:        "READY",
	StateEstablished:  "ESTABLISHED",
	StateDisconnected: "DISCONNECTED",
	StateClosed:       "CLOSED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// StateBits is a set of states for membership tests.
type StateBits uint16

// Bit returns the bit for a single state.
func (s State) Bit() StateBits { return 1 << s }

// Common state sets.
const (
	// bitsOpen covers the states where the lower transport may exist
	// and shutdowns must actually touch it.
	bitsOpen = StateBits(1<<StateConnecting | 1<<StateReady | 1<<StateEstablished)
	// bitsPending covers the connect sub-chain before readiness.
	bitsPending = StateBits(1<<StateConnecting | 1<<StateConnectError |
		1<<StateQueued | 1<<StateRetryWait | 1<<StateRequesting)
	// bitsReadyEst covers READY and ESTABLISHED.
	bitsReadyEst = StateBits(1<<StateReady | 1<<StateEstablished)
	// bitsEstClosing covers ESTABLISHED and the teardown tail.
	bitsEstClosing = StateBits(1<<StateEstablished | 1<<StateDisconnected | 1<<StateClosed)
)

// StateIn reports whether s is in the set.
func StateIn(s State, set StateBits) bool {
	return s.Bit()&set != 0
}
