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
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show executor state: running processes, queue, and limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := newExecutor(newLogger())
			if err != nil {
				return err
			}
			defer exec.Close()

			out := map[string]interface{}{
				"running":    exec.ListRunningProcesses(),
				"queue":      exec.Concurrency().QueueStatus(),
				"temp_files": exec.TempFiles().Metrics(),
			}
			if userID != "" {
				out["rate_limit"] = exec.RateLimiter().Status(userID)
				out["user"] = exec.Concurrency().UserStatus(userID)
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "include per-user rate and concurrency status")
	return cmd
}
