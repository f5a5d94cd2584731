package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harborai/skiff/changeset"
)

var (
	csSpace        string
	csConversation string
	csFile         string
	csForce        bool
)

var changesetsCmd = &cobra.Command{
	Use:   "changesets",
	Short: "Inspect and manage recorded file changes",
}

var changesetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the conversation's change sets, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		sets, err := a.ledger.List(csSpace, csConversation)
		if err != nil {
			return err
		}
		if len(sets) == 0 {
			fmt.Println("No change sets recorded.")
			return nil
		}
		for _, cs := range sets {
			fmt.Printf("%s  %s  %s  %d file(s)\n",
				cs.ID, cs.CreatedAt.Format("2006-01-02 15:04:05"), cs.Status, len(cs.Files))
			for _, f := range cs.Files {
				fmt.Printf("  %-6s %-12s +%d -%d  %s\n",
					f.Type, f.Status, f.LinesAdded, f.LinesRemoved, f.Path)
			}
		}
		return nil
	},
}

var changesetsAcceptCmd = &cobra.Command{
	Use:   "accept <changeset-id>",
	Short: "Mark a change set (or one file of it) accepted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		cs, err := a.ledger.Accept(csSpace, csConversation, args[0], csFile)
		if err != nil {
			return err
		}
		fmt.Printf("Accepted %s (%s)\n", cs.ID, cs.Status)
		return nil
	},
}

var changesetsRollbackCmd = &cobra.Command{
	Use:   "rollback <changeset-id>",
	Short: "Restore the pre-images of a change set (or one file of it)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.ledger.Rollback(csSpace, csConversation, args[0], csFile, csForce)
		if err != nil {
			return err
		}
		if len(result.Conflicts) > 0 {
			fmt.Fprintln(os.Stderr, "Rollback blocked, files changed since the agent wrote them:")
			for _, c := range result.Conflicts {
				fmt.Fprintf(os.Stderr, "  %s: %s\n", c.Path, c.Reason)
			}
			fmt.Fprintln(os.Stderr, "Re-run with --force to restore anyway.")
			return fmt.Errorf("rollback conflicts in %d file(s)", len(result.Conflicts))
		}
		printRollback(result.ChangeSet)
		return nil
	},
	Args: cobra.ExactArgs(1),
}

func printRollback(cs *changeset.ChangeSet) {
	fmt.Printf("Rolled back %s (%s)\n", cs.ID, cs.Status)
	for _, f := range cs.Files {
		if f.Status == changeset.FileStatusRolledBack {
			fmt.Printf("  restored %s\n", f.Path)
		}
	}
}

func init() {
	rootCmd.AddCommand(changesetsCmd)
	changesetsCmd.AddCommand(changesetsListCmd)
	changesetsCmd.AddCommand(changesetsAcceptCmd)
	changesetsCmd.AddCommand(changesetsRollbackCmd)

	changesetsCmd.PersistentFlags().StringVar(&csSpace, "space", "default", "Space id")
	changesetsCmd.PersistentFlags().StringVar(&csConversation, "conversation", "default", "Conversation id")
	changesetsAcceptCmd.Flags().StringVar(&csFile, "file", "", "Limit to one file path")
	changesetsRollbackCmd.Flags().StringVar(&csFile, "file", "", "Limit to one file path")
	changesetsRollbackCmd.Flags().BoolVar(&csForce, "force", false, "Restore even when on-disk content diverged")
}
