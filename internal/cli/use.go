package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tOgg1/flock/internal/config"
)

var (
	useShow  bool
	useClear bool
)

func init() {
	rootCmd.AddCommand(useCmd)

	useCmd.Flags().BoolVar(&useShow, "show", false, "show the current session")
	useCmd.Flags().BoolVar(&useClear, "clear", false, "forget the session")
}

var useCmd = &cobra.Command{
	Use:   "use [conversation]",
	Short: "Set the session viewer or open a conversation",
	Long: `Save who is viewing and which conversation is open, so later commands can
omit them.

  flock use --viewer u1     switch the viewer (closes the open conversation)
  flock use c42             open a conversation for the current viewer
  flock use --show          print the session
  flock use --clear         forget the session`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		store := sessionStore()

		if useClear {
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(out, "Session cleared.")
			return nil
		}

		session, err := store.Load()
		if err != nil {
			return err
		}

		if useShow || (len(args) == 0 && viewerFlag == "") {
			return printSession(cmd, session)
		}

		if viewerFlag != "" {
			session.SetViewer(strings.TrimSpace(viewerFlag))
		}

		if len(args) == 1 {
			viewer := config.ResolveViewer("", session, GetConfig())
			if viewer == "" {
				return &PreflightError{
					Message:  "no viewer selected",
					NextStep: "flock use --viewer <user-id> " + args[0],
				}
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := openConversation(ctx, a, viewer, args[0])
			if err != nil {
				return err
			}
			if session.ViewerID == "" {
				session.SetViewer(viewer)
			}
			session.OpenConversation(summary.Conversation.ID)
		}

		if err := store.Save(session); err != nil {
			return err
		}
		return printSession(cmd, session)
	},
}

func printSession(cmd *cobra.Command, session *config.Context) error {
	out := cmd.OutOrStdout()
	if IsJSONOutput() || IsJSONLOutput() {
		return WriteOutput(out, map[string]string{
			"viewer":       session.ViewerID,
			"conversation": session.ConversationID,
		})
	}
	fmt.Fprintln(out, session.String())
	return nil
}
