package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}

	var role string
	var expiresIn int
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a token; the value is printed exactly once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var out struct {
				Token string         `json:"token"`
				Info  map[string]any `json:"info"`
			}
			err = client.do("POST", "/tokens", map[string]any{
				"name":             args[0],
				"role":             role,
				"expires_in_hours": expiresIn,
			}, &out)
			if err != nil {
				return err
			}
			fmt.Println(out.Token)
			return nil
		},
	}
	create.Flags().StringVar(&role, "role", "viewer", "token role (admin|operator|viewer|agent)")
	create.Flags().IntVar(&expiresIn, "expires-in", 0, "expiry in hours (0 = never)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var out map[string]any
			if err := client.do("GET", "/tokens", nil, &out); err != nil {
				return err
			}
			printJSON(out["tokens"])
			return nil
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a token, keeping its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := client.do("DELETE", "/tokens/"+args[0]+"?revoke=true", nil, nil); err != nil {
				return err
			}
			fmt.Println("Token revoked.")
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a token permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := client.do("DELETE", "/tokens/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Println("Token deleted.")
			return nil
		},
	}

	cmd.AddCommand(create, list, revoke, del)
	return cmd
}
