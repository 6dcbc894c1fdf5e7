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

package stream_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerelay/edgerelay/pkg/applet"
	"github.com/edgerelay/edgerelay/pkg/backend"
	"github.com/edgerelay/edgerelay/pkg/mux"
	"github.com/edgerelay/edgerelay/pkg/sched"
	"github.com/edgerelay/edgerelay/pkg/stream"
	"github.com/edgerelay/edgerelay/pkg/streamconn"
)

func newTestEnv(t *testing.T) *streamconn.Env {
	t.Helper()
	s := sched.NewScheduler(2)
	t.Cleanup(s.Stop)
	return streamconn.NewEnv(s)
}

// echoServer accepts one connection and echoes until the peer shuts
// its write side, then closes.
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()
	return ln.Addr().String()
}

// newClientStream builds a stream whose frontend is our end of a real
// TCP connection, and hands back the peer's end to drive the test.
func newClientStream(t *testing.T, env *streamconn.Env, ioTimeout time.Duration) (*net.TCPConn, *stream.Stream) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}

	mc, err := mux.New(env, server, nil)
	require.NoError(t, err)
	st, err := stream.New(env, mc.Descriptor(), ioTimeout)
	require.NoError(t, err)
	return client.(*net.TCPConn), st
}

func roundTrip(t *testing.T, client *net.TCPConn, payload []byte) {
	t.Helper()
	_, err := client.Write(payload)
	require.NoError(t, err)
	got := make([]byte, len(payload))
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRelayEchoesThroughBackend(t *testing.T) {
	env := newTestEnv(t)
	client, st := newClientStream(t, env, time.Minute)

	closed := make(chan struct{})
	st.OnClose(func(*stream.Stream) { close(closed) })

	d := backend.NewDriver(env, backend.Config{Addr: echoServer(t)})
	require.NoError(t, d.Run(st))

	roundTrip(t, client, []byte("hello through the relay"))
	roundTrip(t, client, []byte("and once more"))

	// half-close propagates all the way around and tears the stream down
	require.NoError(t, client.CloseWrite())
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := io.ReadAll(client)
	require.NoError(t, err)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close")
	}
	require.Eventually(t, func() bool {
		allocs, frees, live := env.Arena.Stats()
		return allocs == frees && live == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRelayEchoesThroughApplet(t *testing.T) {
	env := newTestEnv(t)
	client, st := newClientStream(t, env, time.Minute)

	closed := make(chan struct{})
	st.OnClose(func(*stream.Stream) { close(closed) })

	applet.Create(env, &applet.Echo{}, st.Back())
	st.Back().SetState(streamconn.StateEstablished)
	st.Wakeup()

	roundTrip(t, client, []byte("applet echo"))

	require.NoError(t, client.CloseWrite())
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := io.ReadAll(client)
	require.NoError(t, err)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close")
	}
}

func TestIdleStreamTimesOut(t *testing.T) {
	env := newTestEnv(t)
	client, st := newClientStream(t, env, 50*time.Millisecond)
	_ = client

	closed := make(chan struct{})
	st.OnClose(func(*stream.Stream) { close(closed) })

	applet.Create(env, &applet.Echo{}, st.Back())
	st.Back().SetState(streamconn.StateEstablished)
	st.Wakeup()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("idle stream was not reaped")
	}
}

func TestScheduledAbortRunsOnStreamTask(t *testing.T) {
	env := newTestEnv(t)
	client, st := newClientStream(t, env, time.Minute)
	_ = client

	closed := make(chan struct{})
	st.OnClose(func(*stream.Stream) { close(closed) })

	// nobody calls Abort directly; the stream task must execute the
	// pending abort on its next pass
	for _, c := range []*streamconn.Connector{st.Front(), st.Back()} {
		c.SetFlags(streamconn.FlNoLinger | streamconn.FlNoHalf)
		c.ScheduleAbort()
	}
	st.Wakeup()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled abort never ran")
	}
}

func TestShutdownClosesStream(t *testing.T) {
	env := newTestEnv(t)
	client, st := newClientStream(t, env, time.Minute)

	closed := make(chan struct{})
	st.OnClose(func(*stream.Stream) { close(closed) })

	applet.Create(env, &applet.Echo{}, st.Back())
	st.Back().SetState(streamconn.StateEstablished)
	st.Shutdown()

	// the relay half-closes towards us; answer with our own close so
	// the stream can finish
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := io.ReadAll(client)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after shutdown")
	}
}