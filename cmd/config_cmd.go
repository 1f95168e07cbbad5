package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/titanous/json5"

	"github.com/moziai/mozi/internal/config"
)

var expectHash string

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and edit the config file",
	}

	cmd.PersistentFlags().StringVar(&expectHash, "expect-hash", "", "abort when the file hash changed since this snapshot")

	cmd.AddCommand(configSnapshotCmd())
	cmd.AddCommand(configGetCmd())
	cmd.AddCommand(configSetCmd())
	cmd.AddCommand(configUnsetCmd())
	cmd.AddCommand(configPatchCmd())
	cmd.AddCommand(configApplyCmd())

	return cmd
}

func openConfigStore() *config.Store {
	return config.NewStore(resolveConfigPath())
}

func writeOpts() config.WriteOptions {
	return config.WriteOptions{ExpectedRawHash: expectHash}
}

// reportWriteErr maps store errors to exit codes: a lost optimistic-lock
// race exits 2 so scripts can retry, anything else exits 1.
func reportWriteErr(err error) error {
	if errors.Is(err, config.ErrConflict) {
		fmt.Fprintln(os.Stderr, "error:", err)
		fmt.Fprintln(os.Stderr, "the file changed since your snapshot; re-run config snapshot and retry")
		os.Exit(2)
	}
	return err
}

func printNewHash() {
	snap := openConfigStore().Snapshot()
	fmt.Printf("ok rawHash=%s\n", snap.RawHash)
}

func configSnapshotCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Show the config file state and content hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap := openConfigStore().Snapshot()
			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"path":    snap.Path,
					"exists":  snap.Exists,
					"rawHash": snap.RawHash,
				})
			}
			fmt.Printf("path:    %s\n", snap.Path)
			fmt.Printf("exists:  %v\n", snap.Exists)
			fmt.Printf("rawHash: %s\n", snap.RawHash)
			fmt.Printf("valid:   %v\n", snap.Load.Success)
			for _, e := range snap.Load.Errors {
				fmt.Printf("  error: %s\n", e)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "machine-readable output")
	return cmd
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Print the value at a dotted path (secrets redacted)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap := openConfigStore().Snapshot()
			doc := map[string]interface{}{}
			if len(snap.Raw) > 0 {
				var err error
				doc, err = config.ParseDocument([]byte(snap.Raw))
				if err != nil {
					return err
				}
			}
			doc = config.Redacted(doc)
			value, ok := config.LookupPath(doc, args[0])
			if !ok {
				return fmt.Errorf("path %q not found in %s", args[0], snap.Path)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(value)
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <path> <value>",
		Short: "Write one value at a dotted path",
		Long:  "The value is decoded as JSON when possible (true, 42, {\"a\":1}), otherwise taken as a string.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := openConfigStore().Set(args[0], parseCLIValue(args[1]), writeOpts()); err != nil {
				return reportWriteErr(err)
			}
			printNewHash()
			return nil
		},
	}
}

func configUnsetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unset <path>",
		Short: "Remove the value at a dotted path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := openConfigStore().Unset(args[0], writeOpts()); err != nil {
				return reportWriteErr(err)
			}
			printNewHash()
			return nil
		},
	}
}

func configPatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "patch <json-object>",
		Short: "Deep-merge a JSON5 object into the config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch map[string]interface{}
			if err := json5.Unmarshal([]byte(args[0]), &patch); err != nil {
				return fmt.Errorf("parse patch: %w", err)
			}
			if err := openConfigStore().Patch(patch, writeOpts()); err != nil {
				return reportWriteErr(err)
			}
			printNewHash()
			return nil
		},
	}
}

func configApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <json-array>",
		Short: "Apply a batch of set/unset/patch operations atomically",
		Long:  `Operations look like [{"op":"set","path":"logging.level","value":"debug"},{"op":"unset","path":"gateway.token"}]. The batch validates as a whole; on any error the file is untouched.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ops []config.Operation
			if err := json5.Unmarshal([]byte(args[0]), &ops); err != nil {
				return fmt.Errorf("parse operations: %w", err)
			}
			if len(ops) == 0 {
				return errors.New("no operations given")
			}
			if err := openConfigStore().Apply(ops, writeOpts()); err != nil {
				return reportWriteErr(err)
			}
			printNewHash()
			return nil
		},
	}
}

// parseCLIValue decodes a command-line value the way the config file
// would: JSON first, bare string as fallback.
func parseCLIValue(s string) interface{} {
	trimmed := strings.TrimSpace(s)
	var v interface{}
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v
	}
	return s
}
