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

// Package commands implements the foreman CLI. Subcommands are thin wrappers
// over the library surface: flag parsing and JSON output only.
package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/pkg/executor"
	"github.com/tombee/foreman/pkg/session"
)

// Version information (injected via ldflags at build time).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// NewRootCommand builds the foreman command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "foreman",
		Short:         "Local process execution and workflow orchestration",
		Long:          "foreman launches, tracks, and bounds shell subprocesses, and drives dependency-ordered workflows of agent, transform, and control-flow steps over them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate),
	}

	root.AddCommand(newExecCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newSessionsCommand())
	root.AddCommand(newStatusCommand())
	return root
}

// newLogger builds the process logger from the environment.
func newLogger() *slog.Logger {
	return log.New(log.FromEnv())
}

// newExecutor constructs a command executor with default policies.
func newExecutor(logger *slog.Logger) (*executor.CommandExecutor, error) {
	return executor.New(executor.DefaultConfig(), logger, nil)
}

// newSessionManager constructs a session manager over the filesystem store
// rooted in the user's data directory.
func newSessionManager(logger *slog.Logger) (*session.Manager, error) {
	base := os.Getenv("FOREMAN_DATA_DIR")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		base = filepath.Join(home, ".foreman")
	}
	storage, err := session.NewFilesystemStorage(
		filepath.Join(base, "sessions"),
		filepath.Join(base, "history"),
	)
	if err != nil {
		return nil, err
	}
	return session.NewManager(storage, logger), nil
}

// printJSON renders a value as indented JSON on stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
