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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerelay/edgerelay/pkg/option"
	"github.com/edgerelay/edgerelay/pkg/util/iobufferpool"
)

func TestBufferPoolBudget(t *testing.T) {
	opt := option.New()
	opt.BufferSize = 16384
	opt.MaxBuffers = 64
	assert.EqualValues(t, 64*16384, bufferPoolBudget(opt))

	// zero buffers keeps the pool unlimited
	opt.MaxBuffers = 0
	pool := iobufferpool.NewPool(bufferPoolBudget(opt))
	require.NotNil(t, pool)
	buf := pool.Get(opt.BufferSize)
	require.NotNil(t, buf)
	pool.Put(buf)
}
