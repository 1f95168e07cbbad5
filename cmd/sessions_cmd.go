package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/moziai/mozi/internal/sessions"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage persisted sessions",
	}

	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsRotateCmd())
	cmd.AddCommand(sessionsRevertCmd())

	return cmd
}

func openSessionStore() (*sessions.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return sessions.NewStore(cfg.Paths.Sessions)
}

func sessionsListCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSessionStore()
			if err != nil {
				return err
			}
			infos := store.List(agentID)
			if len(infos) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			sort.Slice(infos, func(i, j int) bool { return infos[i].UpdatedAt.After(infos[j].UpdatedAt) })
			rows := make([][]string, 0, len(infos))
			for _, info := range infos {
				rows = append(rows, []string{
					info.Key,
					info.AgentID,
					info.Model,
					strconv.Itoa(info.SegmentCount),
					info.UpdatedAt.Local().Format(time.DateTime),
				})
			}
			printTable([]string{"KEY", "AGENT", "MODEL", "SEGMENTS", "UPDATED"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "only sessions of this agent")
	return cmd
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-key>",
		Short: "Show one session's manifest state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSessionStore()
			if err != nil {
				return err
			}
			if _, ok := store.Get(args[0]); !ok {
				return fmt.Errorf("session %q not found", args[0])
			}
			// Existence is established, so this loads the transcript
			// without ever creating a session for a mistyped key.
			sess, err := store.GetOrCreate(args[0], sessions.AgentIDFromKey(args[0]))
			if err != nil {
				return err
			}
			fmt.Printf("key:      %s\n", args[0])
			fmt.Printf("agent:    %s\n", sess.AgentID)
			if sess.Model != "" {
				fmt.Printf("model:    %s\n", sess.Model)
			}
			fmt.Printf("created:  %s\n", sess.CreatedAt.Local().Format(time.DateTime))
			fmt.Printf("updated:  %s\n", sess.UpdatedAt.Local().Format(time.DateTime))
			fmt.Printf("segment:  %s (%d total)\n", sess.SessionID, len(sess.Segments))
			fmt.Printf("messages: %d\n", len(sess.Context))
			if len(sess.Metadata) > 0 {
				keys := make([]string, 0, len(sess.Metadata))
				for k := range sess.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Println("metadata:")
				for _, k := range keys {
					fmt.Printf("  %s: %v\n", k, sess.Metadata[k])
				}
			}
			return nil
		},
	}
}

func sessionsRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <session-key>",
		Short: "Start a fresh segment, archiving the current transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSessionStore()
			if err != nil {
				return err
			}
			key := args[0]
			sess, err := store.RotateSegment(key, sessions.AgentIDFromKey(key))
			if err != nil {
				return err
			}
			fmt.Printf("rotated %s, new segment %s\n", key, sess.SessionID)
			return nil
		},
	}
}

func sessionsRevertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revert <session-key>",
		Short: "Drop the latest segment and restore the previous one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSessionStore()
			if err != nil {
				return err
			}
			key := args[0]
			sess, err := store.RevertToPreviousSegment(key, sessions.AgentIDFromKey(key))
			if err != nil {
				return err
			}
			fmt.Printf("reverted %s to segment %s (%d messages)\n", key, sess.SessionID, len(sess.Context))
			return nil
		},
	}
}

// printTable renders rows with runewidth-aware column alignment so CJK
// model names and session keys line up.
func printTable(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				if w := runewidth.StringWidth(cell); w > widths[i] {
					widths[i] = w
				}
			}
		}
	}
	printRow := func(cells []string) {
		for i, cell := range cells {
			if i > 0 {
				fmt.Print("  ")
			}
			if i == len(cells)-1 {
				fmt.Print(cell)
				continue
			}
			fmt.Print(runewidth.FillRight(cell, widths[i]))
		}
		fmt.Println()
	}
	printRow(headers)
	for _, row := range rows {
		printRow(row)
	}
}
