package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/moziai/mozi/internal/secrets"
)

var secretScope string

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage encrypted credentials (values are never displayed)",
	}

	cmd.PersistentFlags().StringVar(&secretScope, "scope", secrets.ScopeGlobal, `secret scope: "global" or "agent:<id>"`)

	cmd.AddCommand(secretsSetCmd())
	cmd.AddCommand(secretsUnsetCmd())
	cmd.AddCommand(secretsListCmd())
	cmd.AddCommand(secretsCheckCmd())

	return cmd
}

// openBroker loads the config for the store path and master key env
// name. Unlike the gateway, a missing key is fatal here: every secrets
// subcommand needs the broker.
func openBroker() (*secrets.Broker, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	key, err := secrets.MasterKeyFromEnv(cfg.Runtime.Auth.MasterKeyEnv)
	if err != nil {
		return nil, err
	}
	return secrets.Open(cfg.Paths.Secrets, key)
}

func secretsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store or replace a secret (omit the value to read it from stdin)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !secrets.ValidScope(secretScope) {
				return fmt.Errorf("invalid scope %q", secretScope)
			}
			value := ""
			if len(args) == 2 {
				value = args[1]
			} else {
				fmt.Fprint(os.Stderr, "value: ")
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read value: %w", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return errors.New("empty value; use unset to remove a secret")
			}
			broker, err := openBroker()
			if err != nil {
				return err
			}
			defer broker.Close()
			if err := broker.Set(context.Background(), args[0], value, secretScope, "cli"); err != nil {
				return err
			}
			fmt.Printf("stored %s (scope %s)\n", args[0], secretScope)
			return nil
		},
	}
}

func secretsUnsetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unset <name>",
		Short: "Delete a secret from one scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			broker, err := openBroker()
			if err != nil {
				return err
			}
			defer broker.Close()
			if err := broker.Unset(context.Background(), args[0], secretScope); err != nil {
				return err
			}
			fmt.Printf("removed %s (scope %s)\n", args[0], secretScope)
			return nil
		},
	}
}

func secretsListCmd() *cobra.Command {
	var allScopes bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List secret metadata (never values)",
		RunE: func(cmd *cobra.Command, args []string) error {
			broker, err := openBroker()
			if err != nil {
				return err
			}
			defer broker.Close()
			scope := secretScope
			if allScopes {
				scope = ""
			}
			records, err := broker.List(context.Background(), scope)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no secrets stored")
				return nil
			}
			rows := make([][]string, 0, len(records))
			for _, rec := range records {
				lastUsed := "never"
				if rec.LastUsedAt != nil {
					lastUsed = rec.LastUsedAt.Local().Format(time.DateTime)
				}
				rows = append(rows, []string{
					rec.Name,
					rec.Scope,
					rec.UpdatedAt.Local().Format(time.DateTime),
					lastUsed,
					rec.Actor,
				})
			}
			printTable([]string{"NAME", "SCOPE", "UPDATED", "LAST USED", "ACTOR"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&allScopes, "all", false, "list every scope, not just --scope")
	return cmd
}

func secretsCheckCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "check <name>",
		Short: "Report whether a secret would resolve for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			broker, err := openBroker()
			if err != nil {
				return err
			}
			defer broker.Close()
			scope := secretScope
			if !cmd.Flags().Changed("scope") {
				// No explicit scope: let agent override global.
				scope = ""
			}
			ok, err := broker.Check(context.Background(), args[0], agentID, scope)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s does not resolve (agent %q, scope %q)", args[0], agentID, scope)
			}
			fmt.Printf("%s resolves\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "resolve as this agent (agent scope overrides global)")
	return cmd
}
