// Copyright 2026 The Cascade Authors
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
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cascadehq/cascade/internal/state/store"
)

func newListCommand(cfgPath *string, version string) *cobra.Command {
	var (
		userID string
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*cfgPath, version)
			if err != nil {
				return err
			}
			defer a.close()

			records, err := a.manager.ListExecutions(cmd.Context(), store.ListFilter{
				UserID: userID,
				Status: status,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "EXECUTION ID\tSTATUS\tCOMPLETED\tFAILED\tSTARTED\tUSER")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
					r.ID, r.Status, r.CompletedCount, r.FailedCount,
					r.StartedAt.Format("2006-01-02 15:04:05"), r.UserID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}
