package cmds

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mentat-tools/agentchat/pkg/persistence/historystore"
)

// resolveHistoryPath prefers an explicit path and otherwise runs the seed
// bootstrap for the base directory.
func resolveHistoryPath(historyPath, baseDir string) string {
	if historyPath != "" {
		return historyPath
	}
	return historystore.PrepareHistory(baseDir).Path
}

func NewHistoryCommand() *cobra.Command {
	var historyPath, baseDir string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect stored agent chat conversations",
	}
	cmd.PersistentFlags().StringVar(&historyPath, "history", "", "history file path (overrides --base-dir)")
	cmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "document base directory to locate the history file")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations in stored order",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := historystore.New(resolveHistoryPath(historyPath, baseDir))
			conversations, activeID, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			if len(conversations) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no conversations")
				return nil
			}
			for _, c := range conversations {
				marker := " "
				if c.ID == activeID {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %s  %s\n",
					marker, c.ID, c.UpdatedAt.Format(time.RFC3339), c.Title)
			}
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print the entries of one conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := historystore.New(resolveHistoryPath(historyPath, baseDir))
			conversations, _, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			for _, c := range conversations {
				if c.ID != args[0] {
					continue
				}
				for i, entry := range c.Entries() {
					fmt.Fprintf(cmd.OutOrStdout(), "--- turn %d (%d tokens)\n", i, entry.Tokens)
					fmt.Fprintf(cmd.OutOrStdout(), "> %s\n", entry.Prompt)
					fmt.Fprintln(cmd.OutOrStdout(), entry.DisplayResponse)
				}
				return nil
			}
			return errors.Errorf("conversation %s not found", args[0])
		},
	}

	cmd.AddCommand(listCmd)
	cmd.AddCommand(showCmd)
	return cmd
}
