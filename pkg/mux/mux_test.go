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

package mux

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerelay/edgerelay/pkg/sched"
	"github.com/edgerelay/edgerelay/pkg/streamconn"
)

func newTestEnv(t *testing.T) *streamconn.Env {
	t.Helper()
	s := sched.NewScheduler(2)
	t.Cleanup(s.Stop)
	return streamconn.NewEnv(s)
}

func tcpPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, err = ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { client.Close(); server.Close() })
	return client, server
}

func TestRcvBufDeliversAndSignalsMore(t *testing.T) {
	env := newTestEnv(t)
	client, server := tcpPair(t)

	mc, err := New(env, server, nil)
	require.NoError(t, err)
	defer mc.FullClose()
	sd := mc.Descriptor()

	payload := []byte("through the passthrough mux")
	_, err = client.Write(payload)
	require.NoError(t, err)

	ch := env.NewChannel()
	require.True(t, ch.EnsureBuffer())
	require.Eventually(t, func() bool {
		return mc.RcvBuf(sd, ch, ch.RecvMax(), 0) > 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, payload, ch.InputBytes())
	assert.False(t, sd.TestAny(streamconn.EpEOS|streamconn.EpError))
}

func TestRcvBufEOF(t *testing.T) {
	env := newTestEnv(t)
	client, server := tcpPair(t)

	mc, err := New(env, server, nil)
	require.NoError(t, err)
	defer mc.FullClose()
	sd := mc.Descriptor()

	_, err = client.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, client.(*net.TCPConn).CloseWrite())

	ch := env.NewChannel()
	require.True(t, ch.EnsureBuffer())
	require.Eventually(t, func() bool {
		mc.RcvBuf(sd, ch, ch.RecvMax(), 0)
		return sd.Test(streamconn.EpEOS | streamconn.EpEOI)
	}, time.Second, time.Millisecond)
	assert.Equal(t, []byte("bye"), ch.InputBytes())
}

func TestSndBufConsumesOutput(t *testing.T) {
	env := newTestEnv(t)
	client, server := tcpPair(t)

	mc, err := New(env, server, nil)
	require.NoError(t, err)
	defer mc.FullClose()
	sd := mc.Descriptor()

	ch := env.NewChannel()
	require.True(t, ch.EnsureBuffer())
	ch.AddInput([]byte("reply"))
	ch.Advance(5)

	sent := mc.SndBuf(sd, ch, ch.OutputData(), 0)
	require.Equal(t, 5, sent)
	assert.True(t, ch.IsEmpty())

	got := make([]byte, 5)
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, []byte("reply"), got)
}

func TestSubscribeWakesOnReadable(t *testing.T) {
	env := newTestEnv(t)
	client, server := tcpPair(t)

	mc, err := New(env, server, nil)
	require.NoError(t, err)
	defer mc.FullClose()
	sd := mc.Descriptor()

	woken := make(chan struct{}, 1)
	sub := &streamconn.Subscription{
		Tasklet: env.Sched.NewTasklet(func() {
			select {
			case woken <- struct{}{}:
			default:
			}
		}),
	}
	mc.Subscribe(sd, streamconn.EventRecv, sub)
	require.True(t, sub.Test(streamconn.EventRecv))

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatal("recv readiness never woke the tasklet")
	}
	assert.False(t, sub.Test(streamconn.EventRecv),
		"the subscription slot is one-shot")
}

func TestShutwSignalsPeerEOF(t *testing.T) {
	env := newTestEnv(t)
	client, server := tcpPair(t)

	mc, err := New(env, server, nil)
	require.NoError(t, err)
	defer mc.FullClose()

	mc.Shutw(mc.Descriptor(), streamconn.ShutNormal)

	one := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(time.Second))
	_, err = client.Read(one)
	assert.ErrorIs(t, err, io.EOF)
}

func TestShutWithKillConnResetsPeer(t *testing.T) {
	env := newTestEnv(t)
	client, server := tcpPair(t)

	mc, err := New(env, server, nil)
	require.NoError(t, err)
	sd := mc.Descriptor()

	sd.Set(streamconn.EpKillConn)
	mc.Shut(sd)

	// the close resets instead of saying goodbye
	one := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = client.Read(one)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestDetachReleasesDescriptor(t *testing.T) {
	env := newTestEnv(t)
	_, server := tcpPair(t)

	mc, err := New(env, server, nil)
	require.NoError(t, err)
	sd := mc.Descriptor()
	h := sd.Handle()

	sd.Set(streamconn.EpOrphan)
	mc.Detach(sd)

	assert.Nil(t, env.Arena.Get(h))
	_, frees, live := env.Arena.Stats()
	assert.EqualValues(t, 1, frees)
	assert.Zero(t, live)
}

func TestNewRejectsNonSyscallConn(t *testing.T) {
	env := newTestEnv(t)
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	_, err := New(env, left, nil)
	assert.ErrorIs(t, err, ErrNotPollable)
}
