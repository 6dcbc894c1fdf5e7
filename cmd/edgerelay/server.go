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

package main

import (
	"context"
	"errors"
	"net"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/edgerelay/edgerelay/pkg/applet"
	"github.com/edgerelay/edgerelay/pkg/backend"
	"github.com/edgerelay/edgerelay/pkg/logger"
	"github.com/edgerelay/edgerelay/pkg/mux"
	"github.com/edgerelay/edgerelay/pkg/option"
	"github.com/edgerelay/edgerelay/pkg/pipe"
	"github.com/edgerelay/edgerelay/pkg/sched"
	"github.com/edgerelay/edgerelay/pkg/stream"
	"github.com/edgerelay/edgerelay/pkg/streamconn"
	"github.com/edgerelay/edgerelay/pkg/util/iobufferpool"
	"github.com/edgerelay/edgerelay/pkg/util/limitlistener"
	"github.com/edgerelay/edgerelay/pkg/version"
)

type server struct {
	opt    *option.Options
	env    *streamconn.Env
	driver *backend.Driver
}

// bufferPoolBudget converts the buffer-count cap into the pool's byte
// budget; zero keeps the pool unlimited.
func bufferPoolBudget(opt *option.Options) int64 {
	return int64(opt.MaxBuffers) * int64(opt.BufferSize)
}

func runServer(opt *option.Options) error {
	logger.Init(&logger.Options{AbsLogDir: opt.AbsLogDir, Debug: opt.Debug})
	defer logger.Sync()
	logger.Infof("%s", version.Long)

	workers := opt.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	scheduler := sched.NewScheduler(workers)
	defer scheduler.Stop()

	env := streamconn.NewEnv(scheduler)
	env.Tune.BufferSize = opt.BufferSize
	env.Buffers = iobufferpool.NewPool(bufferPoolBudget(opt))
	env.Pipes = pipe.NewPool(opt.MaxPipes)
	env.Metrics = streamconn.NewMetrics(prometheus.NewRegistry())

	srv := &server{opt: opt, env: env}
	if opt.BackendAddr != "" {
		srv.driver = backend.NewDriver(env, backend.Config{
			Addr:           opt.BackendAddr,
			ConnectTimeout: opt.ConnectTimeout,
			MaxRetries:     opt.MaxRetries,
			RetryWaitMin:   opt.RetryWaitMin,
			RetryWaitMax:   opt.RetryWaitMax,
		})
	}

	var ln net.Listener
	ln, err := net.Listen("tcp", opt.ListenAddr)
	if err != nil {
		return err
	}
	if opt.MaxConnections > 0 {
		ln = limitlistener.New(ln, int64(opt.MaxConnections))
	}
	logger.Infof("listening on %s", opt.ListenAddr)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			srv.handle(conn)
		}
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	logger.Infof("edgerelay closed")
	return nil
}

// handle builds a stream on the accepted connection and wires its
// backend side to either the configured target or the builtin applet.
func (s *server) handle(conn net.Conn) {
	mc, err := mux.New(s.env, conn, nil)
	if err != nil {
		logger.Errorf("wrap %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	st, err := stream.New(s.env, mc.Descriptor(), s.opt.IOTimeout)
	if err != nil {
		logger.Errorf("stream for %s failed: %v", conn.RemoteAddr(), err)
		mc.FullClose()
		return
	}
	logger.Debugf("stream %s: accepted %s", st.ID(), conn.RemoteAddr())
	st.OnClose(func(st *stream.Stream) {
		logger.Debugf("stream %s: closed", st.ID())
	})

	if s.driver != nil {
		go func() {
			if err := s.driver.Run(st); err != nil {
				logger.Warnf("stream %s: backend failed: %v", st.ID(), err)
			}
		}()
	} else {
		applet.Create(s.env, &applet.Echo{}, st.Back())
		st.Back().SetState(streamconn.StateEstablished)
	}
	st.Wakeup()
}
