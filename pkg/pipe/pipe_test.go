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

package pipe

import (
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolCap(t *testing.T) {
	if !Supported {
		t.Skip("no splice support on this platform")
	}
	p := NewPool(2)

	p1 := p.Get()
	require.NotNil(t, p1)
	p2 := p.Get()
	require.NotNil(t, p2)
	assert.Nil(t, p.Get(), "pool cap reached")
	assert.Equal(t, 2, p.Used())

	p.Put(p1)
	assert.NotNil(t, p.Get(), "a returned pipe is reused")
	assert.Equal(t, 2, p.Used())
}

func TestPutDirtyPipeDropped(t *testing.T) {
	if !Supported {
		t.Skip("no splice support on this platform")
	}
	p := NewPool(1)

	pp := p.Get()
	require.NotNil(t, pp)
	pp.Data = 10
	p.Put(pp)
	assert.Zero(t, p.Used())
}

// connFd extracts the raw fd of a TCP connection for direct splicing.
func connFd(t *testing.T, c net.Conn) int {
	t.Helper()
	rc, err := c.(syscall.Conn).SyscallConn()
	require.NoError(t, err)
	var fd int
	require.NoError(t, rc.Control(func(f uintptr) { fd = int(f) }))
	return fd
}

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { client.Close(); server.Close() })
	return client, server
}

func TestSpliceRoundTrip(t *testing.T) {
	if !Supported {
		t.Skip("no splice support on this platform")
	}

	srcClient, srcServer := tcpPair(t)
	dstClient, dstServer := tcpPair(t)

	payload := []byte("spliced through the kernel")
	_, err := srcClient.Write(payload)
	require.NoError(t, err)

	p := NewPool(1)
	pp := p.Get()
	require.NotNil(t, pp)
	defer p.Put(pp)

	srcFd := connFd(t, srcServer)
	require.Eventually(t, func() bool {
		_, err := pp.SpliceIn(srcFd, 1<<16)
		require.NoError(t, err)
		return pp.Data == len(payload)
	}, time.Second, time.Millisecond)

	out, err := pp.SpliceOut(connFd(t, dstClient))
	require.NoError(t, err)
	require.Equal(t, len(payload), out)
	require.Zero(t, pp.Data)

	got := make([]byte, len(payload))
	_, err = dstServer.Read(got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSpliceInWouldBlock(t *testing.T) {
	if !Supported {
		t.Skip("no splice support on this platform")
	}

	_, server := tcpPair(t)

	p := NewPool(1)
	pp := p.Get()
	require.NotNil(t, pp)
	defer p.Put(pp)

	n, err := pp.SpliceIn(connFd(t, server), 1<<16)
	require.NoError(t, err, "EAGAIN is not an error")
	assert.Zero(t, n)
}
