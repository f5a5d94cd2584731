package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harborai/skiff/backend"
	"github.com/harborai/skiff/interact"
	"github.com/harborai/skiff/resindex"
	"github.com/harborai/skiff/turn"
)

var (
	runSpace        string
	runConversation string
	runProfile      string
	runWorkDir      string
	runAutoApprove  bool
	runVerbose      bool
)

var runCmd = &cobra.Command{
	Use:   "run <message>",
	Short: "Run one agent turn and stream the response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		workDir := runWorkDir
		if workDir == "" {
			if workDir, err = os.Getwd(); err != nil {
				return err
			}
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		launcher := &backend.CLILauncher{Logger: a.logger}
		pool := turn.NewPool(launcher, turn.WithPoolLogger(a.logger))
		defer pool.Close()

		opts := []turn.Option{turn.WithLogger(a.logger)}
		if runAutoApprove {
			opts = append(opts, turn.WithAutoApprove())
		}
		if len(a.settings.ResourceDirs) > 0 {
			watcher, werr := resindex.NewWatcher(a.settings.ResourceDirs, resindex.WithLogger(a.logger))
			if werr != nil {
				return fmt.Errorf("watch resource dirs: %w", werr)
			}
			defer watcher.Close()
			go watcher.Run(ctx)
			opts = append(opts, turn.WithResourceHash(watcher.Current))
		}

		orch := turn.NewOrchestrator(a.settings, pool, a.ledger, a.store, opts...)
		defer orch.Close()

		// First interrupt stops generation gracefully, second one exits.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Fprintln(os.Stderr, "\nStopping generation...")
			orch.StopGeneration("")
			<-sigCh
			os.Exit(1)
		}()

		if _, err := orch.SendMessage(ctx, turn.SendRequest{
			SpaceID:        runSpace,
			ConversationID: runConversation,
			Text:           args[0],
			ProfileID:      runProfile,
			WorkDir:        workDir,
		}); err != nil {
			return err
		}

		return streamEvents(orch)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runSpace, "space", "default", "Space id")
	runCmd.Flags().StringVar(&runConversation, "conversation", "default", "Conversation id")
	runCmd.Flags().StringVar(&runProfile, "profile", "", "Profile to use (default: active profile)")
	runCmd.Flags().StringVar(&runWorkDir, "work-dir", "", "Working directory for file operations (default: cwd)")
	runCmd.Flags().BoolVarP(&runAutoApprove, "yes", "y", false, "Approve file-writing tools without prompting")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Show thinking and tool activity")
}

// streamEvents renders orchestrator events until the turn ends, prompting
// for tool approvals and interactive questions on stdin.
func streamEvents(orch *turn.Orchestrator) error {
	stdin := bufio.NewReader(os.Stdin)

	for ev := range orch.Events() {
		switch e := ev.(type) {
		case turn.MessageEvent:
			fmt.Print(e.Text)
		case turn.ToolCallEvent:
			switch e.Call.Status {
			case turn.ToolRunning:
				if runVerbose {
					fmt.Fprintf(os.Stderr, "\n[tool] %s\n", e.Call.Name)
				}
				if e.Call.Name == "AskUserQuestion" {
					if err := promptQuestion(orch, stdin, e); err != nil {
						return err
					}
				}
			case turn.ToolWaitingApproval:
				if err := promptApproval(orch, stdin, e); err != nil {
					return err
				}
			}
		case turn.ToolResultEvent:
			if runVerbose {
				fmt.Fprintf(os.Stderr, "[tool] %s -> %s\n", e.Call.Name, e.Call.Status)
			}
		case turn.ThoughtEvent:
			if runVerbose && e.Thought.Kind == "thinking" {
				fmt.Fprintf(os.Stderr, "[thinking] %s\n", e.Thought.Text)
			}
		case turn.CompactEvent:
			fmt.Fprintln(os.Stderr, "[context compacted]")
		case turn.CompleteEvent:
			fmt.Println()
			if runVerbose {
				fmt.Fprintf(os.Stderr, "[done] %s in %dms, %d in / %d out tokens, $%.4f\n",
					e.Reason, e.DurationMs, e.Usage.InputTokens, e.Usage.OutputTokens, e.Usage.CostUSD)
			}
			return nil
		case turn.ErrorEvent:
			return fmt.Errorf("%s", e.Message)
		}
	}
	return nil
}

func promptApproval(orch *turn.Orchestrator, stdin *bufio.Reader, e turn.ToolCallEvent) error {
	fmt.Fprintf(os.Stderr, "\nAllow %s? [y/N] ", e.Call.Name)
	line, err := stdin.ReadString('\n')
	if err != nil {
		return err
	}
	answer := strings.TrimSpace(strings.ToLower(line))
	return orch.HandleToolApproval(e.ConversationID, answer == "y" || answer == "yes")
}

func promptQuestion(orch *turn.Orchestrator, stdin *bufio.Reader, e turn.ToolCallEvent) error {
	if q, ok := e.Call.Input["question"].(string); ok {
		fmt.Fprintf(os.Stderr, "\n%s\n> ", q)
	} else {
		fmt.Fprint(os.Stderr, "\nThe agent has a question (see above).\n> ")
	}
	line, err := stdin.ReadString('\n')
	if err != nil {
		return err
	}
	return orch.SubmitInteractionAnswer(e.ConversationID,
		interact.Target{ToolCallID: e.Call.ID},
		interact.Answer{Legacy: strings.TrimSpace(line)})
}
