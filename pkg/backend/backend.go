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

// Package backend walks a stream's backend connector through the
// connect sub-chain: Requesting, Queued, then Connecting, looping via
// ConnectError and RetryWait on failed attempts until a connection is
// established or the retry budget runs out. Admission past Queued is
// delegated to an injectable policy; the default admits everything.
package backend

import (
	"errors"
	"net"
	"time"

	"github.com/jpillora/backoff"

	"github.com/edgerelay/edgerelay/pkg/logger"
	"github.com/edgerelay/edgerelay/pkg/mux"
	"github.com/edgerelay/edgerelay/pkg/stream"
	"github.com/edgerelay/edgerelay/pkg/streamconn"
)

// ErrRetriesExhausted is reported once every connect attempt failed.
var ErrRetriesExhausted = errors.New("backend: connect retries exhausted")

// DialFunc opens one connection attempt.
type DialFunc func(addr string, timeout time.Duration) (net.Conn, error)

// Policy decides whether a queued stream may proceed to connect.
type Policy func(s *stream.Stream) error

// Config describes the connect behavior of one backend target.
type Config struct {
	// Addr is the target address, host:port.
	Addr string
	// ConnectTimeout bounds one attempt.
	ConnectTimeout time.Duration
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// RetryWaitMin and RetryWaitMax bound the backoff between
	// attempts.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Driver connects streams to one backend target.
type Driver struct {
	env    *streamconn.Env
	cfg    Config
	dial   DialFunc
	policy Policy
}

// NewDriver creates a driver for the target described by cfg.
func NewDriver(env *streamconn.Env, cfg Config) *Driver {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RetryWaitMin == 0 {
		cfg.RetryWaitMin = 100 * time.Millisecond
	}
	if cfg.RetryWaitMax == 0 {
		cfg.RetryWaitMax = 3 * time.Second
	}
	return &Driver{
		env: env,
		cfg: cfg,
		dial: func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		},
	}
}

// SetDial overrides the dialer, mainly for tests.
func (d *Driver) SetDial(fn DialFunc) { d.dial = fn }

// SetPolicy installs an admission policy consulted while the stream
// sits in StateQueued.
func (d *Driver) SetPolicy(p Policy) { d.policy = p }

// Run drives the stream's backend connector until it is established
// or failed. It blocks and is meant to run in its own goroutine; the
// driver acts for the stream owner until the endpoint attach hands
// the connector to the scheduler.
func (d *Driver) Run(s *stream.Stream) error {
	back := s.Back()
	back.SetState(streamconn.StateRequesting)
	back.SetState(streamconn.StateQueued)

	if d.policy != nil {
		if err := d.policy(s); err != nil {
			back.SetFlags(streamconn.FlError)
			back.SetState(streamconn.StateClosed)
			s.Wakeup()
			return err
		}
	}

	bo := &backoff.Backoff{
		Min:    d.cfg.RetryWaitMin,
		Max:    d.cfg.RetryWaitMax,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		back.SetState(streamconn.StateConnecting)
		s.SetConnExpire(time.Now().Add(d.cfg.ConnectTimeout))

		conn, err := d.dial(d.cfg.Addr, d.cfg.ConnectTimeout)
		if err == nil {
			if err = d.attach(s, conn); err == nil {
				s.ClearConnExpire()
				s.Wakeup()
				return nil
			}
		}
		lastErr = err
		logger.Debugf("stream %s: connect %s attempt %d: %v",
			s.ID(), d.cfg.Addr, attempt+1, err)

		back.SetState(streamconn.StateConnectError)
		if attempt == d.cfg.MaxRetries {
			break
		}
		back.SetState(streamconn.StateRetryWait)
		time.Sleep(bo.Duration())
	}

	back.SetFlags(streamconn.FlError)
	back.SetState(streamconn.StateClosed)
	s.ClearConnExpire()
	s.Wakeup()
	if lastErr == nil {
		lastErr = ErrRetriesExhausted
	}
	return lastErr
}

func (d *Driver) attach(s *stream.Stream, conn net.Conn) error {
	back := s.Back()
	mc, err := mux.New(d.env, conn, back.Sd())
	if err != nil {
		conn.Close()
		return err
	}
	if err := back.AttachMux(mc, mc); err != nil {
		return err
	}
	back.SetState(streamconn.StateReady)
	back.SetState(streamconn.StateEstablished)
	return nil
}
