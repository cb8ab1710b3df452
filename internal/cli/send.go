package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	deleteYes  bool
	startNoUse bool
)

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(deleteCmd)

	startCmd.Flags().BoolVar(&startNoUse, "no-use", false, "do not open the conversation for the session")
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "confirm deletion")
}

var sendCmd = &cobra.Command{
	Use:   "send [conversation] <text>",
	Short: "Send a message",
	Long: `Send a message as the viewer. With a single argument the message goes to
the conversation opened with 'flock use'.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		viewer, err := requireViewer()
		if err != nil {
			return err
		}

		text := args[len(args)-1]
		conversationID, err := conversationArg(args[:len(args)-1])
		if err != nil {
			return err
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := openConversation(ctx, a, viewer, conversationID); err != nil {
			return err
		}

		msg, err := a.Writer.SendMessage(ctx, conversationID, viewer, text)
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, msg)
		}
		fmt.Fprintf(out, "Sent message %s\n", msg.ID)
		PrintNextSteps(out, HintContext{Action: "send", ConversationID: conversationID})
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <user>",
	Short: "Start a conversation with a user",
	Long: `Start a conversation between the viewer and another user. If the two
already have one, in either direction, it is reused. The conversation is
opened for the session unless --no-use is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		viewer, err := requireViewer()
		if err != nil {
			return err
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		target := strings.TrimSpace(args[0])
		id, err := a.Writer.StartConversation(ctx, viewer, target)
		if err != nil {
			return fmt.Errorf("failed to start conversation: %w", err)
		}

		if !startNoUse {
			if err := useConversation(viewer, id); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, map[string]string{"id": id, "with": target})
		}
		fmt.Fprintf(out, "Conversation %s with %s\n", id, target)
		PrintNextSteps(out, HintContext{Action: "start", ConversationID: id, Opened: !startNoUse})
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation>",
	Short: "Delete a conversation and its messages",
	Long: `Delete a conversation and every message in it. The messages are removed
first; if that fails the conversation is kept and the command can be re-run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if !deleteYes {
			return &PreflightError{
				Message:  "refusing to delete without confirmation",
				NextStep: fmt.Sprintf("flock delete %s --yes", args[0]),
			}
		}
		viewer, err := requireViewer()
		if err != nil {
			return err
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		conversationID := strings.TrimSpace(args[0])
		if _, err := openConversation(ctx, a, viewer, conversationID); err != nil {
			return err
		}

		removed, err := a.Writer.DeleteConversation(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}

		store := sessionStore()
		if session, err := store.Load(); err == nil && session.ConversationID == conversationID {
			session.OpenConversation("")
			_ = store.Save(session)
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, map[string]any{"id": conversationID, "messages_removed": removed})
		}
		fmt.Fprintf(out, "Deleted conversation %s (%d message%s)\n", conversationID, removed, plural(removed))
		return nil
	},
}

func useConversation(viewer, conversationID string) error {
	store := sessionStore()
	session, err := store.Load()
	if err != nil {
		return err
	}
	if session.ViewerID != viewer {
		session.SetViewer(viewer)
	}
	session.OpenConversation(conversationID)
	return store.Save(session)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
