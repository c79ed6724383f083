package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agent sessions",
	}

	var provider, worktree, taskText string
	spawn := &cobra.Command{
		Use:   "spawn <project>",
		Short: "Start an agent session for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var state map[string]any
			err = client.do("POST", "/agents/spawn", map[string]any{
				"project":  args[0],
				"provider": provider,
				"worktree": worktree,
				"task":     taskText,
			}, &state)
			if err != nil {
				return err
			}
			printJSON(state)
			return nil
		},
	}
	spawn.Flags().StringVar(&provider, "provider", "", "agent provider binary")
	spawn.Flags().StringVar(&worktree, "worktree", "", "worktree path override")
	spawn.Flags().StringVar(&taskText, "task", "", "initial task prompt")

	var force bool
	stop := &cobra.Command{
		Use:   "stop <project>",
		Short: "Stop a project's agent session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			path := "/agents/" + url.PathEscape(args[0]) + "/stop"
			if force {
				path += "?force=true"
			}
			if err := client.do("POST", path, nil, nil); err != nil {
				return err
			}
			fmt.Println("Agent stopped.")
			return nil
		},
	}
	stop.Flags().BoolVar(&force, "force", false, "SIGKILL instead of SIGTERM")

	var lines int
	logs := &cobra.Command{
		Use:   "logs <project>",
		Short: "Show an agent's recent log output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var out struct {
				Logs string `json:"logs"`
			}
			path := "/agents/" + url.PathEscape(args[0]) + "/logs?lines=" + strconv.Itoa(lines)
			if err := client.do("GET", path, nil, &out); err != nil {
				return err
			}
			fmt.Print(out.Logs)
			return nil
		},
	}
	logs.Flags().IntVar(&lines, "lines", 100, "number of log lines")

	assign := &cobra.Command{
		Use:   "assign <project> <task...>",
		Short: "Hand a task to a project's agent",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			task := ""
			for i, a := range args[1:] {
				if i > 0 {
					task += " "
				}
				task += a
			}
			var state map[string]any
			err = client.do("POST", "/agents/"+url.PathEscape(args[0])+"/assign",
				map[string]any{"task": task}, &state)
			if err != nil {
				return err
			}
			printJSON(state)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status <project>",
		Short: "Show one agent session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var state map[string]any
			if err := client.do("GET", "/agents/"+url.PathEscape(args[0]), nil, &state); err != nil {
				return err
			}
			printJSON(state)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List agent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var out map[string]any
			if err := client.do("GET", "/agents", nil, &out); err != nil {
				return err
			}
			printJSON(out["agents"])
			return nil
		},
	}

	cmd.AddCommand(spawn, stop, logs, assign, status, list)
	return cmd
}
