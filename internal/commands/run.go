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
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cascadehq/cascade/internal/engine"
	"github.com/cascadehq/cascade/pkg/plan"
)

func newRunCommand(cfgPath *string, version string) *cobra.Command {
	var (
		inputs     []string
		inputsFile string
		userID     string
		agentID    string
		runMode    string
	)

	cmd := &cobra.Command{
		Use:   "run <plan.json>",
		Short: "Execute a workflow plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPlan(args[0])
			if err != nil {
				return err
			}
			in, err := buildInputs(inputsFile, inputs)
			if err != nil {
				return err
			}

			a, err := newApp(*cfgPath, version)
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.engine.Run(cmd.Context(), p, engine.RunRequest{
				UserID:  userID,
				AgentID: agentID,
				Inputs:  in,
				RunMode: runMode,
			})
			if err != nil {
				return err
			}
			return printResult(cmd, result)
		},
	}

	cmd.Flags().StringArrayVar(&inputs, "input", nil, "workflow input as key=value (repeatable)")
	cmd.Flags().StringVar(&inputsFile, "inputs-file", "", "JSON file with workflow inputs")
	cmd.Flags().StringVar(&userID, "user", "", "user id for quota accounting")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id recorded on the execution")
	cmd.Flags().StringVar(&runMode, "run-mode", "", "run mode (default production)")
	return cmd
}

func loadPlan(path string) (*plan.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var p plan.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("plan %s has no steps", path)
	}
	return &p, nil
}

func buildInputs(file string, pairs []string) (map[string]any, error) {
	in := make(map[string]any)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read inputs file: %w", err)
		}
		if err := json.Unmarshal(data, &in); err != nil {
			return nil, fmt.Errorf("parse inputs file %s: %w", file, err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --input %q, want key=value", pair)
		}
		in[key] = value
	}
	return in, nil
}

func printResult(cmd *cobra.Command, result *engine.Result) error {
	out := map[string]any{
		"execution_id": result.ExecutionID,
		"status":       result.Status,
	}
	if result.Output != nil {
		out["output"] = result.Output
	}
	if result.Err != nil {
		out["error"] = result.Err.Error()
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	if result.Status == engine.StatusFailed {
		return fmt.Errorf("execution %s failed", result.ExecutionID)
	}
	return nil
}
