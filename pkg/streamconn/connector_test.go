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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerelay/edgerelay/pkg/channel"
)

// The subscription mask is armed by the owner's side and consumed by
// the endpoint's notifier goroutines; both must be able to touch it
// concurrently.
func TestSubscriptionEventsConcurrentAccess(t *testing.T) {
	var sub Subscription
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				sub.Set(EventRecv)
				sub.Test(EventSend)
				sub.Clr(EventRecv)
				sub.Set(EventSend)
				sub.Clr(EventSend)
			}
		}()
	}
	wg.Wait()
	assert.False(t, sub.Test(EventRecv|EventSend))
}

func TestDetachPreservesMonotonicFlags(t *testing.T) {
	env := newInertEnv()
	o, sca, m := newMuxPair(env)

	sca.SetFlags(FlIsBack | FlAbrtDone | FlShutDone | FlNoLinger | FlWontRead | FlEOI)
	require.NoError(t, sca.ResetEndpoint())

	// only the transferable flags survive the endpoint swap
	assert.True(t, sca.Test(FlIsBack|FlAbrtDone|FlShutDone))
	assert.False(t, sca.TestAny(FlNoLinger|FlWontRead|FlEOI))
	assert.True(t, sca.Sd().Test(EpDetached))
	assert.Equal(t, 1, m.detaches)
	_ = o
}

func TestDestroySymmetry(t *testing.T) {
	env := newInertEnv()

	for i := 0; i < 4; i++ {
		_, sca, _ := newMuxPair(env)
		scb := sca.Owner().(*fakeOwner).scb
		sca.Destroy()
		scb.Destroy()
	}

	allocs, frees, live := env.Arena.Stats()
	assert.Equal(t, allocs, frees)
	assert.Zero(t, live)
}

func TestShutdownIdempotent(t *testing.T) {
	env := newInertEnv()
	o, sca, m := newMuxPair(env)
	_ = o

	sca.SetFlags(FlNoLinger)
	sca.Shutdown()
	require.True(t, sca.Test(FlShutDone))
	require.Equal(t, StateDisconnected, sca.State())
	shuts := m.shuts

	// a second shutdown must not touch the endpoint again
	sca.Shutdown()
	assert.Equal(t, shuts, m.shuts)
	assert.True(t, sca.Test(FlShutDone))
	assert.Equal(t, StateDisconnected, sca.State())
}

func TestShutdownCleanCloseStaysHalfOpen(t *testing.T) {
	env := newInertEnv()
	o, sca, m := newMuxPair(env)
	_ = o

	sca.Shutdown()

	// clean close: write side announced, read side stays open
	assert.True(t, sca.Test(FlShutDone))
	assert.Equal(t, StateEstablished, sca.State())
	require.Len(t, m.shutws, 1)
	assert.Equal(t, ShutNormal, m.shutws[0])
	assert.Zero(t, m.shuts)
}

func TestAbortThenShutdownDisconnects(t *testing.T) {
	env := newInertEnv()
	o, sca, _ := newMuxPair(env)
	_ = o

	sca.Abort()
	require.True(t, sca.Test(FlAbrtDone))
	assert.Equal(t, StateEstablished, sca.State())

	sca.Shutdown()
	assert.True(t, sca.Test(FlShutDone))
	assert.Equal(t, StateDisconnected, sca.State())
}

func TestAbortNoHalfClosesBothSides(t *testing.T) {
	env := newInertEnv()
	o, sca, _ := newMuxPair(env)
	_ = o

	sca.SetFlags(FlNoHalf)
	sca.Abort()

	assert.True(t, sca.Test(FlAbrtDone|FlShutDone))
	assert.Equal(t, StateDisconnected, sca.State())
}

func TestEmbeddedShutdownWakesOwnerOnce(t *testing.T) {
	env := newInertEnv()
	o := newFakeOwner(env)
	scb, err := NewFromStream(env, o, FlIsBack)
	require.NoError(t, err)
	o.scb = scb
	scb.SetState(StateEstablished)
	scb.SetFlags(FlNoLinger)

	before := o.task.Wakeups()
	scb.Shutdown()
	scb.Shutdown()
	assert.Equal(t, before+1, o.task.Wakeups())

	scb.Destroy()
}

func TestResetEndpointUnbound(t *testing.T) {
	env := newInertEnv()
	o := newFakeOwner(env)
	scb, err := NewFromStream(env, o, FlIsBack)
	require.NoError(t, err)
	o.scb = scb

	h := scb.Sd().Handle()
	require.NoError(t, scb.ResetEndpoint())
	// nothing was bound: the descriptor is recycled in place
	assert.Equal(t, h, scb.Sd().Handle())
	assert.True(t, scb.Sd().Test(EpDetached))

	scb.Destroy()
}

func TestResetEndpointReplacesBoundDescriptor(t *testing.T) {
	env := newInertEnv()
	o, sca, m := newMuxPair(env)
	_ = o

	h := sca.Sd().Handle()
	require.NoError(t, sca.ResetEndpoint())
	assert.NotEqual(t, h, sca.Sd().Handle())
	assert.True(t, sca.Sd().Test(EpDetached))
	assert.False(t, sca.Sd().TestAny(EpMux|EpApplet))
	assert.Equal(t, 1, m.detaches)

	// the old descriptor's handle no longer resolves
	assert.Nil(t, env.Arena.Get(h))
}

func TestNeedRoomHaveRoom(t *testing.T) {
	env := newInertEnv()
	o, sca, _ := newMuxPair(env)

	o.req.EnsureBuffer()
	o.req.AddInput(make([]byte, o.req.Size()-50))
	o.req.Advance(o.req.InputData())

	sca.NeedRoom(100)
	require.True(t, sca.Test(FlNeedRoom))
	require.False(t, sca.roomSatisfied(o.req))

	o.req.ConsumeOutput(200)
	require.True(t, sca.roomSatisfied(o.req))
	sca.HaveRoom()
	assert.False(t, sca.Test(FlNeedRoom))

	// 0 means any room at all
	sca.NeedRoom(0)
	assert.True(t, sca.roomSatisfied(o.req))

	// -1 blocks until the next explicit HaveRoom regardless of room
	sca.NeedRoom(-1)
	assert.False(t, sca.roomSatisfied(o.req))
}

func TestRecvAllowedGates(t *testing.T) {
	env := newInertEnv()
	o, sca, _ := newMuxPair(env)

	require.True(t, sca.IsRecvAllowed())

	sca.WontRead()
	assert.False(t, sca.IsRecvAllowed())
	sca.WillRead()
	assert.True(t, sca.IsRecvAllowed())

	o.req.Set(channel.DontRead)
	assert.False(t, sca.IsRecvAllowed())
	o.req.Clr(channel.DontRead)

	sca.ScheduleAbort()
	sca.Abort()
	assert.False(t, sca.IsRecvAllowed())
}
