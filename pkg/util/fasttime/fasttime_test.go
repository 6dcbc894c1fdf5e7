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

package fasttime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNowTracksWallClock(t *testing.T) {
	delta := time.Now().Sub(Now())
	if delta < 0 {
		delta = -delta
	}
	assert.Less(t, delta, time.Second)
}

func TestNowUnixNano(t *testing.T) {
	delta := time.Now().UnixNano() - NowUnixNano()
	if delta < 0 {
		delta = -delta
	}
	assert.Less(t, delta, int64(time.Second))
}

func TestSince(t *testing.T) {
	start := Now()
	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, Since(start), 5*time.Millisecond)
}
