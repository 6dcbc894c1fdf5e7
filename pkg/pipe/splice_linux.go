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

//go:build linux

package pipe

import (
	"golang.org/x/sys/unix"
)

// Supported reports whether this platform can splice.
const Supported = true

const spliceFlags = unix.SPLICE_F_MOVE | unix.SPLICE_F_NONBLOCK

func newPipe() (*Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	return &Pipe{rfd: fds[0], wfd: fds[1]}, nil
}

func (pp *Pipe) close() {
	_ = unix.Close(pp.rfd)
	_ = unix.Close(pp.wfd)
}

// SpliceIn moves up to max bytes from the socket fd into the pipe.
// Returns 0 with a nil error when the socket would block.
func (pp *Pipe) SpliceIn(fd int, max int) (int, error) {
	n, err := unix.Splice(fd, nil, pp.wfd, nil, max, spliceFlags)
	if err == unix.EAGAIN {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pp.Data += int(n)
	return int(n), nil
}

// SpliceOut moves bytes from the pipe into the socket fd. Returns 0
// with a nil error when the socket would block.
func (pp *Pipe) SpliceOut(fd int) (int, error) {
	n, err := unix.Splice(pp.rfd, nil, fd, nil, pp.Data, spliceFlags)
	if err == unix.EAGAIN {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pp.Data -= int(n)
	return int(n), nil
}
