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

package applet

import (
	"github.com/edgerelay/edgerelay/pkg/streamconn"
)

// Echo copies everything it receives back to the sender. It doubles
// as the reference applet for the cooperative production/consumption
// protocol.
type Echo struct{}

// Handle moves bytes from the consumption side to the production side
// until one of them blocks, then records why it stopped.
func (e *Echo) Handle(ctx *Context) {
	sc := ctx.SC()
	in, out := ctx.Input(), ctx.Output()

	for in.OutputData() > 0 {
		if !ctx.EnsureOutputBuffer() {
			return
		}
		if out.RecvMax() <= 0 {
			sc.NeedRoom(0)
			break
		}
		n := out.AddInput(in.OutputBytes())
		if n == 0 {
			break
		}
		in.ConsumeOutput(n)
		ctx.HaveMoreData()
	}

	if in.OutputData() == 0 {
		if sc.Test(streamconn.FlShutDone) {
			// the peer finished and everything was echoed back
			ctx.HaveNoMoreData()
			ctx.SetEOI()
			ctx.SetEOS()
			return
		}
		ctx.NeedMoreData()
	}
}
