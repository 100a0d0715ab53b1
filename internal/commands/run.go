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
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tombee/foreman/pkg/workflow"
)

func newRunCommand() *cobra.Command {
	var (
		inputs  []string
		resume  string
		persist bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read workflow file: %w", err)
			}
			def, err := workflow.Parse(data)
			if err != nil {
				return err
			}

			exec, err := newExecutor(logger)
			if err != nil {
				return err
			}
			defer exec.Close()

			opts := []workflow.Option{workflow.WithLogger(logger)}
			if persist || resume != "" {
				sessions, err := newSessionManager(logger)
				if err != nil {
					return err
				}
				opts = append(opts, workflow.WithSessionManager(sessions))
			}

			engine := workflow.NewEngine(opts...)
			engine.Transforms().RegisterCommandOperations(exec)

			ctx := cmd.Context()
			var result *workflow.Result
			if resume != "" {
				result, err = engine.ResumeFromSession(ctx, resume, def)
			} else {
				result, err = engine.Execute(ctx, def, parseInputFlags(inputs))
			}
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "workflow input as key=value (repeatable)")
	cmd.Flags().StringVar(&resume, "resume", "", "resume from a persisted session id")
	cmd.Flags().BoolVar(&persist, "persist", false, "persist progress to a session for later resume")
	return cmd
}

// parseInputFlags turns repeated key=value flags into an input map.
func parseInputFlags(flags []string) map[string]interface{} {
	inputs := make(map[string]interface{}, len(flags))
	for _, kv := range flags {
		if i := strings.IndexByte(kv, '='); i > 0 {
			inputs[kv[:i]] = kv[i+1:]
		}
	}
	return inputs
}
