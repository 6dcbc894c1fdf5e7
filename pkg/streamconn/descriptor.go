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
	"sync"
	"sync/atomic"
	"time"
)

// eternity is the "no activity recorded" sentinel for lra/fsb.
const eternity = int64(-1)

// Descriptor links a connector to its endpoint (a mux stream or an
// applet) and carries the state both share. It is created by whichever
// side needs it first. A descriptor without a connector is orphan; a
// descriptor without a mux/applet is detached. On detach, the connector
// hands the whole descriptor over to the endpoint and may allocate a
// fresh one (connection retries).
type Descriptor struct {
	arena  *Arena
	handle Handle

	// mu guards peer pairing. When both sides must be locked, locks
	// are taken in ascending arena index order.
	mu   sync.Mutex
	peer atomic.Uint64 // Handle of the opposite side's descriptor

	flags atomic.Uint32 // EndpointFlags

	se   any        // mux stream context or applet runner
	conn Connection // set for connection-backed endpoints
	sc   *Connector // owning connector, nil when orphan

	lra atomic.Int64 // last read activity, unix nanos
	fsb atomic.Int64 // first blocked send, unix nanos
}

// Handle returns the descriptor's arena handle.
func (d *Descriptor) Handle() Handle { return d.handle }

// SC returns the owning connector, nil for an orphan descriptor.
func (d *Descriptor) SC() *Connector { return d.sc }

// Conn returns the lower connection, nil for applet endpoints.
func (d *Descriptor) Conn() Connection { return d.conn }

// Endpoint returns the endpoint context handed to AttachMux or
// AttachApplet.
func (d *Descriptor) Endpoint() any { return d.se }

// Test reports whether all of the given flags are set.
func (d *Descriptor) Test(f EndpointFlags) bool {
	return EndpointFlags(d.flags.Load())&f == f
}

// TestAny reports whether any of the given flags is set.
func (d *Descriptor) TestAny(f EndpointFlags) bool {
	return EndpointFlags(d.flags.Load())&f != 0
}

// Set sets the given flags.
func (d *Descriptor) Set(f EndpointFlags) {
	for {
		old := d.flags.Load()
		if d.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

// Clr clears the given flags.
func (d *Descriptor) Clr(f EndpointFlags) {
	for {
		old := d.flags.Load()
		if d.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

// Flags returns the current flag set.
func (d *Descriptor) Flags() EndpointFlags {
	return EndpointFlags(d.flags.Load())
}

func (d *Descriptor) resetState() {
	d.se = nil
	d.conn = nil
	d.flags.Store(0)
	d.lra.Store(eternity)
	d.fsb.Store(eternity)
}

// BindMux marks a freshly allocated descriptor as mux-backed. This is
// the frontend path, where the endpoint exists before any connector.
func (d *Descriptor) BindMux(endpoint any, conn Connection) {
	d.se = endpoint
	d.conn = conn
	d.Set(EpMux)
	d.Clr(EpDetached)
}

// HaveMoreData tells the application layer the endpoint holds more
// data to deliver.
func (d *Descriptor) HaveMoreData() { d.Clr(EpHaveNoData) }

// HaveNoMoreData tells the application layer the endpoint delivered
// everything it had.
func (d *Descriptor) HaveNoMoreData() { d.Set(EpHaveNoData) }

// ReportReadActivity records a read activity: a successful receive, a
// reported end-of-stream, or unblocked receives.
func (d *Descriptor) ReportReadActivity() {
	d.lra.Store(time.Now().UnixNano())
}

// ReportSendActivity records a fully flushed send and clears any
// blocked-send mark.
func (d *Descriptor) ReportSendActivity() {
	d.fsb.Store(eternity)
}

// ReportBlockedSend records the first blocked send of a series.
func (d *Descriptor) ReportBlockedSend(didSend bool) {
	if didSend || d.fsb.Load() == eternity {
		d.fsb.Store(time.Now().UnixNano())
	}
}

func (d *Descriptor) lastReadActivity() (time.Time, bool) {
	v := d.lra.Load()
	if v == eternity {
		return time.Time{}, false
	}
	return time.Unix(0, v), true
}

func (d *Descriptor) firstBlockedSend() (time.Time, bool) {
	v := d.fsb.Load()
	if v == eternity {
		return time.Time{}, false
	}
	return time.Unix(0, v), true
}

// PairDescriptors links two descriptors as the two sides of one
// stream. Both must be unpaired.
func PairDescriptors(a, b *Descriptor) {
	first, second := orderPair(a, b)
	first.mu.Lock()
	second.mu.Lock()
	if a.peer.Load() != 0 || b.peer.Load() != 0 {
		second.mu.Unlock()
		first.mu.Unlock()
		panic("streamconn: pairing an already paired descriptor")
	}
	a.peer.Store(uint64(b.handle))
	b.peer.Store(uint64(a.handle))
	second.mu.Unlock()
	first.mu.Unlock()
}

// PeerAndLock resolves the peer descriptor and locks the pair. When a
// peer exists, it is returned together with an unlock function. When
// the descriptor is unpaired, it returns (nil, nil). Both sides may
// call this concurrently during teardown; the ordered locking makes
// that safe.
func (d *Descriptor) PeerAndLock() (*Descriptor, func()) {
	for {
		ph := Handle(d.peer.Load())
		if ph.IsZero() {
			return nil, nil
		}
		p := d.arena.Get(ph)
		if p == nil {
			// The peer vanished between the load and the resolve,
			// which means it unpaired first. Reload.
			continue
		}
		first, second := orderPair(d, p)
		first.mu.Lock()
		second.mu.Lock()
		if Handle(d.peer.Load()) == ph {
			return p, func() {
				second.mu.Unlock()
				first.mu.Unlock()
			}
		}
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

// disconnectPeers removes the pairwise link. The caller must hold the
// pair lock obtained from PeerAndLock.
func disconnectPeers(a, b *Descriptor) {
	a.peer.Store(0)
	b.peer.Store(0)
}

// ReleaseDescriptor unpairs an orphan descriptor and returns it to its
// arena. This is what a mux's detach contract and an applet's shutdown
// call once their own side is fully done with the descriptor.
func ReleaseDescriptor(d *Descriptor) {
	if d == nil {
		return
	}
	if peer, unlock := d.PeerAndLock(); peer != nil {
		disconnectPeers(d, peer)
		unlock()
	}
	d.arena.Release(d)
}

// Peer resolves the opposite side's descriptor without locking it. The
// result may be stale by the time it is used; callers needing a stable
// peer must use PeerAndLock.
func (d *Descriptor) Peer() *Descriptor {
	return d.arena.Get(Handle(d.peer.Load()))
}

func orderPair(a, b *Descriptor) (first, second *Descriptor) {
	if a.handle.idx() < b.handle.idx() {
		return a, b
	}
	return b, a
}
