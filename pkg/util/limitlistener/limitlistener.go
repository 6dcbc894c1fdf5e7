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

// Package limitlistener caps the number of simultaneously open
// connections accepted from a listener. A slot is held from accept
// until the connection's Close.
package limitlistener

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"
)

// LimitListener wraps a net.Listener with a connection cap.
type LimitListener struct {
	net.Listener
	sem       *semaphore.Weighted
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New returns a listener accepting at most n simultaneous connections
// from l. Accept blocks while all slots are taken.
func New(l net.Listener, n int64) *LimitListener {
	ctx, cancel := context.WithCancel(context.Background())
	return &LimitListener{
		Listener: l,
		sem:      semaphore.NewWeighted(n),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Accept waits for a free slot, then accepts one connection. It fails
// once the listener is closed.
func (l *LimitListener) Accept() (net.Conn, error) {
	acquired := l.sem.Acquire(l.ctx, 1) == nil
	if err := l.ctx.Err(); err != nil {
		if acquired {
			l.sem.Release(1)
		}
		return nil, net.ErrClosed
	}

	conn, err := l.Listener.Accept()
	if err != nil {
		l.sem.Release(1)
		return nil, err
	}
	return &limitConn{Conn: conn, release: func() { l.sem.Release(1) }}, nil
}

// Close closes the listener and unblocks pending Accepts.
func (l *LimitListener) Close() error {
	err := l.Listener.Close()
	l.closeOnce.Do(l.cancel)
	return err
}

type limitConn struct {
	net.Conn
	releaseOnce sync.Once
	release     func()
}

func (c *limitConn) Close() error {
	err := c.Conn.Close()
	c.releaseOnce.Do(c.release)
	return err
}
