package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/adt-sh/adt/internal/audit"
	"github.com/adt-sh/adt/internal/common/config"
	"github.com/adt-sh/adt/internal/common/logger"
	"github.com/adt-sh/adt/internal/vault"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration and secrets",
	}
	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigPathCmd(),
		newSecretSetCmd(),
		newSecretGetCmd(),
		newSecretListCmd(),
		newSecretDeleteCmd(),
	)
	return cmd
}

func configFilePath() string {
	dir := flagConfigDir
	if dir == "" {
		dir = config.Home()
	}
	return filepath.Join(dir, "config.yaml")
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a commented starter config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configFilePath()
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.Template), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithPath(flagConfigDir)
			if err != nil {
				return err
			}
			// Never print a resolved secret value.
			if cfg.Channels.Telegram.Token != "" {
				cfg.Channels.Telegram.Token = "[redacted]"
			}
			raw, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(raw))
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(configFilePath())
			return nil
		},
	}
}

// openVault opens the local secret vault plus a best-effort audit log.
// Secret commands run against the files directly rather than the HTTP
// surface so they work with the server down.
func openVault() (*vault.Vault, *audit.Log) {
	log := logger.Default()
	v := vault.New(config.Home(), log)
	a, err := audit.Open(filepath.Join(config.DataDir(), "audit.db"), log)
	if err != nil {
		return v, nil
	}
	return v, a
}

func recordSecretAction(a *audit.Log, action audit.Action, name string) {
	if a == nil {
		return
	}
	a.MustRecord(audit.Event{
		Action:       action,
		ActorType:    audit.ActorUser,
		ResourceType: "secret",
		ResourceID:   name,
		Channel:      "cli",
	})
	_ = a.Close()
}

func newSecretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-secret <name> <value>",
		Short: "Store a secret in the vault",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, a := openVault()
			if err := v.Set(args[0], args[1]); err != nil {
				return err
			}
			recordSecretAction(a, audit.ActionSecretWrite, args[0])
			fmt.Println("Secret stored.")
			return nil
		},
	}
}

func newSecretGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-secret <name>",
		Short: "Print a secret value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, a := openVault()
			value, ok := v.Get(args[0])
			if !ok {
				return fmt.Errorf("no secret named %q", args[0])
			}
			recordSecretAction(a, audit.ActionSecretRead, args[0])
			fmt.Println(value)
			return nil
		},
	}
}

func newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-secrets",
		Short: "List secret names",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, _ := openVault()
			for _, name := range v.List() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-secret <name>",
		Short: "Remove a secret from the vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, a := openVault()
			ok, err := v.Delete(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no secret named %q", args[0])
			}
			recordSecretAction(a, audit.ActionSecretDelete, args[0])
			fmt.Println("Secret deleted.")
			return nil
		},
	}
}
