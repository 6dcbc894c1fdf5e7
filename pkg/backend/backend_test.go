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

package backend

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerelay/edgerelay/pkg/mux"
	"github.com/edgerelay/edgerelay/pkg/sched"
	"github.com/edgerelay/edgerelay/pkg/stream"
	"github.com/edgerelay/edgerelay/pkg/streamconn"
)

// newTestEnv builds an env whose scheduler drops every wakeup, so the
// driver's synchronous walk through the connect sub-chain is the only
// thing touching the connectors.
func newTestEnv(t *testing.T) *streamconn.Env {
	t.Helper()
	s := sched.NewScheduler(1)
	s.Stop()
	env := streamconn.NewEnv(s)
	env.Metrics = streamconn.NewMetrics(prometheus.NewRegistry())
	return env
}

// acceptOne returns a listener that keeps every accepted connection
// open until the test ends.
func acceptOne(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { conn.Close() })
		}
	}()
	return ln
}

// newFrontedStream builds a stream whose frontend is a real accepted
// TCP connection, leaving the backend connector in StateInit.
func newFrontedStream(t *testing.T, env *streamconn.Env) *stream.Stream {
	t.Helper()
	ln := acceptOne(t)
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	mc, err := mux.New(env, conn, nil)
	require.NoError(t, err)
	st, err := stream.New(env, mc.Descriptor(), time.Minute)
	require.NoError(t, err)
	return st
}

func transitions(env *streamconn.Env, state streamconn.State) float64 {
	return testutil.ToFloat64(
		env.Metrics.StateTransitions.WithLabelValues(state.String()))
}

func TestConnectRetriesThenEstablishes(t *testing.T) {
	env := newTestEnv(t)
	st := newFrontedStream(t, env)
	target := acceptOne(t)

	d := NewDriver(env, Config{
		Addr:         target.Addr().String(),
		MaxRetries:   3,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
	})

	var attempts int
	var statesAtDial []streamconn.State
	d.SetDial(func(addr string, timeout time.Duration) (net.Conn, error) {
		attempts++
		statesAtDial = append(statesAtDial, st.Back().State())
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		return net.DialTimeout("tcp", addr, timeout)
	})

	require.NoError(t, d.Run(st))

	assert.Equal(t, 3, attempts)
	for _, s := range statesAtDial {
		assert.Equal(t, streamconn.StateConnecting, s)
	}
	assert.Equal(t, streamconn.StateEstablished, st.Back().State())
	assert.True(t, st.Back().Sd().Test(streamconn.EpMux))

	assert.Equal(t, 1.0, transitions(env, streamconn.StateRequesting))
	assert.Equal(t, 1.0, transitions(env, streamconn.StateQueued))
	assert.Equal(t, 3.0, transitions(env, streamconn.StateConnecting))
	assert.Equal(t, 2.0, transitions(env, streamconn.StateConnectError))
	assert.Equal(t, 2.0, transitions(env, streamconn.StateRetryWait))
	assert.Equal(t, 1.0, transitions(env, streamconn.StateReady))
	// the frontend connector was established at stream creation
	assert.Equal(t, 2.0, transitions(env, streamconn.StateEstablished))
}

func TestConnectRetriesExhausted(t *testing.T) {
	env := newTestEnv(t)
	st := newFrontedStream(t, env)

	d := NewDriver(env, Config{
		Addr:         "127.0.0.1:1",
		MaxRetries:   1,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: time.Millisecond,
	})
	dialErr := errors.New("no route to host")
	var attempts int
	d.SetDial(func(string, time.Duration) (net.Conn, error) {
		attempts++
		return nil, dialErr
	})

	err := d.Run(st)
	require.ErrorIs(t, err, dialErr)

	assert.Equal(t, 2, attempts)
	assert.Equal(t, streamconn.StateClosed, st.Back().State())
	assert.True(t, st.Back().Test(streamconn.FlError))
	assert.Equal(t, 2.0, transitions(env, streamconn.StateConnectError))
	assert.Equal(t, 1.0, transitions(env, streamconn.StateRetryWait))
}

func TestPolicyRejectsBeforeDialing(t *testing.T) {
	env := newTestEnv(t)
	st := newFrontedStream(t, env)

	d := NewDriver(env, Config{Addr: "127.0.0.1:1"})
	rejected := errors.New("over capacity")
	d.SetPolicy(func(*stream.Stream) error { return rejected })
	var dialed bool
	d.SetDial(func(string, time.Duration) (net.Conn, error) {
		dialed = true
		return nil, nil
	})

	err := d.Run(st)
	require.ErrorIs(t, err, rejected)

	assert.False(t, dialed)
	assert.Equal(t, streamconn.StateClosed, st.Back().State())
	assert.True(t, st.Back().Test(streamconn.FlError))
	assert.Equal(t, 1.0, transitions(env, streamconn.StateQueued))
	assert.Equal(t, 0.0, transitions(env, streamconn.StateConnecting))
}
