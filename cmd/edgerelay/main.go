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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgerelay/edgerelay/pkg/option"
	"github.com/edgerelay/edgerelay/pkg/version"
)

func main() {
	opt := option.New()

	rootCmd := &cobra.Command{
		Use:     "edgerelay",
		Short:   "A TCP relay built on the stream connector layer.",
		Version: version.Short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opt.Complete(); err != nil {
				return err
			}
			return runServer(opt)
		},
		SilenceUsage: true,
	}
	opt.AddFlags(rootCmd.Flags())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
