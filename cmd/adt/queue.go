package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the task queue",
	}

	var priority string
	add := &cobra.Command{
		Use:   "add <project> <description...>",
		Short: "Queue a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var created map[string]any
			err = client.do("POST", "/tasks", map[string]any{
				"project":     args[0],
				"description": strings.Join(args[1:], " "),
				"priority":    priority,
			}, &created)
			if err != nil {
				return err
			}
			fmt.Printf("Task %s queued (%s).\n", created["id"], created["status"])
			return nil
		},
	}
	add.Flags().StringVar(&priority, "priority", "normal", "urgent|high|normal|low")

	var project, status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			q := url.Values{}
			if project != "" {
				q.Set("project", project)
			}
			if status != "" {
				q.Set("status", status)
			}
			path := "/tasks"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var out map[string]any
			if err := client.do("GET", path, nil, &out); err != nil {
				return err
			}
			printJSON(out["tasks"])
			return nil
		},
	}
	list.Flags().StringVar(&project, "project", "", "filter by project")
	list.Flags().StringVar(&status, "status", "", "filter by status")

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task that has not started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := client.do("POST", "/tasks/"+args[0]+"/cancel", nil, nil); err != nil {
				return err
			}
			fmt.Println("Task cancelled.")
			return nil
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var out map[string]any
			if err := client.do("GET", "/tasks/stats", nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	cmd.AddCommand(add, list, cancel, stats)
	return cmd
}
