// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/foreman/pkg/executor"
)

func newExecCommand() *cobra.Command {
	var (
		timeout  time.Duration
		async    bool
		progress bool
		userID   string
	)

	cmd := &cobra.Command{
		Use:   "exec -- <command>",
		Short: "Execute a shell command through the executor",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			exec, err := newExecutor(logger)
			if err != nil {
				return err
			}
			defer exec.Close()

			command := strings.Join(args, " ")
			ctx := cmd.Context()

			if !async {
				result, err := exec.Execute(ctx, command, timeout)
				if err != nil {
					return err
				}
				return printJSON(result)
			}

			opts := executor.AsyncOptions{Timeout: timeout, UserID: userID}
			if progress {
				opts.Progress = func(p float64, total *float64, message string) {
					if total != nil {
						fmt.Printf("[progress] %.0f/%.0f %s\n", p, *total, message)
						return
					}
					fmt.Printf("[progress] %.0f %s\n", p, message)
				}
			}

			handle, err := exec.ExecuteAsync(ctx, command, opts)
			if err != nil {
				return err
			}
			result, err := exec.WaitForProcess(ctx, handle.Token, 0)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "terminate the command after this duration")
	cmd.Flags().BoolVar(&async, "async", false, "launch asynchronously and wait via the token")
	cmd.Flags().BoolVar(&progress, "progress", false, "print periodic progress notifications (implies --async)")
	cmd.Flags().StringVar(&userID, "user", "", "user id for rate and concurrency accounting")
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		if progress {
			async = true
		}
	}
	return cmd
}
