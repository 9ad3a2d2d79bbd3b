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
	"github.com/spf13/cobra"
)

// NewRootCommand assembles the cascade CLI.
func NewRootCommand(version string) *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "cascade",
		Short:         "Cascade workflow execution engine",
		Long:          "Cascade executes workflow plans with durable state, checkpointing, and recovery.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (YAML)")

	root.AddCommand(
		newRunCommand(&cfgPath, version),
		newResumeCommand(&cfgPath, version),
		newListCommand(&cfgPath, version),
		newCleanupCommand(&cfgPath, version),
	)
	return root
}
