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

//go:build !linux

package pipe

// Supported reports whether this platform can splice.
const Supported = false

func newPipe() (*Pipe, error) {
	return nil, ErrNotSupported
}

func (pp *Pipe) close() {}

// SpliceIn is unavailable on this platform.
func (pp *Pipe) SpliceIn(fd int, max int) (int, error) {
	return 0, ErrNotSupported
}

// SpliceOut is unavailable on this platform.
func (pp *Pipe) SpliceOut(fd int) (int, error) {
	return 0, ErrNotSupported
}
