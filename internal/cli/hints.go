package cli

import (
	"fmt"
	"io"
)

// HintContext describes the command that just succeeded.
type HintContext struct {
	// Action is the command name, e.g. "send" or "start".
	Action string

	// ConversationID is the conversation involved, if any.
	ConversationID string

	// Opened is set when the conversation was opened for the session.
	Opened bool
}

// PrintNextSteps prints follow-up commands after a successful command.
// Nothing is printed in JSON modes.
func PrintNextSteps(w io.Writer, ctx HintContext) {
	if IsJSONOutput() || IsJSONLOutput() {
		return
	}

	hints := generateHints(ctx)
	if len(hints) == 0 {
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Next steps:")
	for _, hint := range hints {
		fmt.Fprintf(w, "  %s\n", hint)
	}
}

func generateHints(ctx HintContext) []string {
	switch ctx.Action {
	case "conversations":
		return []string{"flock start <user-id>   # start a conversation"}
	case "start":
		if ctx.Opened {
			return []string{
				`flock send "hello"      # send to the open conversation`,
				"flock thread -f         # follow the conversation",
			}
		}
		return []string{
			fmt.Sprintf(`flock send %s "hello"`, ctx.ConversationID),
			fmt.Sprintf("flock use %s", ctx.ConversationID),
		}
	case "send":
		return []string{fmt.Sprintf("flock thread %s", ctx.ConversationID)}
	}
	return nil
}
