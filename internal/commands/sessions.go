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

	"github.com/spf13/cobra"
	"github.com/tombee/foreman/pkg/session"
)

func newSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage persisted sessions",
	}

	var (
		userID string
		status string
		tags   []string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newSessionManager(newLogger())
			if err != nil {
				return err
			}
			sessions, err := mgr.List(session.ListFilter{
				UserID: userID,
				Status: session.Status(status),
				Tags:   tags,
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			rows := make([]interface{}, 0, len(sessions))
			for _, s := range sessions {
				rows = append(rows, s.Metadata)
			}
			return printJSON(rows)
		},
	}
	list.Flags().StringVar(&userID, "user", "", "filter by user id")
	list.Flags().StringVar(&status, "status", "", "filter by status (active, completed, failed, abandoned)")
	list.Flags().StringSliceVar(&tags, "tag", nil, "filter by tag (any match)")
	list.Flags().IntVar(&limit, "limit", 50, "maximum sessions to return")

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show full session state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newSessionManager(newLogger())
			if err != nil {
				return err
			}
			sess, err := mgr.Get(args[0])
			if err != nil {
				return err
			}
			return printJSON(sess)
		},
	}

	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newSessionManager(newLogger())
			if err != nil {
				return err
			}
			return mgr.Delete(args[0])
		},
	}

	var days int
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete terminal sessions older than --days",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newSessionManager(newLogger())
			if err != nil {
				return err
			}
			deleted, err := mgr.CleanupOld(days)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d sessions\n", deleted)
			return nil
		},
	}
	cleanup.Flags().IntVar(&days, "days", 30, "age threshold in days")

	cmd.AddCommand(list, show, del, cleanup)
	return cmd
}
