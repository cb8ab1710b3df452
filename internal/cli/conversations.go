package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/tOgg1/flock/internal/app"
	"github.com/tOgg1/flock/internal/livequery"
	"github.com/tOgg1/flock/internal/messaging"
	"github.com/tOgg1/flock/internal/models"
	"github.com/tOgg1/flock/internal/threading"
)

var threadFollow bool

func init() {
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(threadCmd)

	threadCmd.Flags().BoolVarP(&threadFollow, "follow", "f", false, "keep printing new messages as they arrive")
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List the viewer's conversations",
	Long:    "List every conversation the viewer takes part in, most recent activity first.",
	Args:    cobra.NoArgs,
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

		res, err := a.Resolver.ResolveConversations(ctx, viewer)
		if err != nil {
			return fmt.Errorf("failed to list conversations: %w", err)
		}
		messaging.SortByRecentActivity(res.Summaries)

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return writeSummaries(out, res)
		}

		if len(res.Failures) > 0 {
			warnf(cmd.ErrOrStderr(), "%d conversation(s) could not be loaded; run with --verbose for details", len(res.Failures))
		}
		if len(res.Summaries) == 0 {
			fmt.Fprintln(out, "No conversations yet.")
			PrintNextSteps(out, HintContext{Action: "conversations"})
			return nil
		}

		now := time.Now()
		rows := make([][]string, 0, len(res.Summaries))
		for _, s := range res.Summaries {
			rows = append(rows, []string{
				s.Conversation.ID,
				displayUser(out, s.Other),
				truncate(s.LastMessage, 48),
				formatWhen(s.LastMessageAt, now, a.Location),
			})
		}
		return writeTable(out, []string{"ID", "WITH", "LAST MESSAGE", "WHEN"}, rows)
	},
}

func writeSummaries(out io.Writer, res *messaging.Resolution) error {
	if IsJSONLOutput() {
		for _, s := range res.Summaries {
			if err := WriteOutput(out, s); err != nil {
				return err
			}
		}
		return nil
	}
	summaries := res.Summaries
	if summaries == nil {
		summaries = []models.ConversationSummary{}
	}
	return WriteOutput(out, struct {
		Conversations []models.ConversationSummary `json:"conversations"`
		Skipped       int                          `json:"skipped"`
	}{summaries, len(res.Failures)})
}

func displayUser(w io.Writer, ref models.UserRef) string {
	u := ref.User()
	label := u.Name
	if u.Handle != "" {
		label = fmt.Sprintf("%s (@%s)", u.Name, u.Handle)
	}
	if ref.IsPlaceholder() {
		return styled(w, placeholderStyle, label)
	}
	return label
}

var threadCmd = &cobra.Command{
	Use:   "thread [conversation]",
	Short: "Show the messages of a conversation",
	Long: `Show a conversation's messages oldest first, with a separator at each new
calendar day in the session timezone. Without an argument the conversation
opened with 'flock use' is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		viewer, err := requireViewer()
		if err != nil {
			return err
		}
		conversationID, err := conversationArg(args)
		if err != nil {
			return err
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := openConversation(ctx, a, viewer, conversationID)
		if err != nil {
			return err
		}

		query := messagesQuery(conversationID)
		var sub *livequery.Subscription
		var docs []*models.Document
		if threadFollow {
			feed := a.NewFeed()
			if err := feed.Start(ctx); err == nil {
				defer feed.Stop()
			}
			sub, err = a.Subscriber.Subscribe(ctx, query)
			if err != nil {
				return fmt.Errorf("failed to watch messages: %w", err)
			}
			defer sub.Unsubscribe()
			docs = sub.Snapshot()
		} else {
			docs, err = a.Documents.Query(ctx, query)
			if err != nil {
				return fmt.Errorf("failed to load messages: %w", err)
			}
		}

		messages := decodeMessages(cmd.ErrOrStderr(), docs)
		entries := threading.Assemble(messages, viewer,
			threading.WithLocation(a.Location),
			threading.WithLeadingSeparator(),
		)

		out := cmd.OutOrStdout()
		if IsJSONOutput() && !threadFollow {
			return WriteOutput(out, threadJSON(summary, entries))
		}

		printer := &threadPrinter{out: out, loc: a.Location, width: terminalWidth(out, 60)}
		if !IsJSONLOutput() {
			fmt.Fprintln(out, styled(out, headerStyle, "Conversation with "+displayUser(out, summary.Other)))
		}
		for _, e := range entries {
			if err := printer.print(e); err != nil {
				return err
			}
		}
		if len(entries) == 0 && !IsJSONLOutput() {
			fmt.Fprintln(out, summary.LastMessage)
		}

		if sub == nil {
			return nil
		}
		return followThread(ctx, sub, printer, messages, viewer, a.Location)
	},
}

func openConversation(ctx context.Context, a *app.App, viewer, conversationID string) (models.ConversationSummary, error) {
	summary, err := a.Resolver.OpenConversation(ctx, viewer, conversationID)
	if err != nil {
		return models.ConversationSummary{}, fmt.Errorf("failed to open conversation %s: %w", conversationID, err)
	}
	if !summary.Conversation.Involves(viewer) {
		return models.ConversationSummary{}, fmt.Errorf("conversation %s: %w", conversationID,
			models.NotFound("open conversation", fmt.Errorf("%s is not a participant", viewer)))
	}
	return summary, nil
}

func messagesQuery(conversationID string) models.Query {
	return models.Query{
		Collection: models.CollectionMessages,
		Where:      []models.Predicate{models.Where("conversationId", models.OpEq, conversationID)},
		OrderBy:    &models.OrderBy{Field: "createdAt"},
	}
}

func decodeMessages(errOut io.Writer, docs []*models.Document) []models.Message {
	messages := make([]models.Message, 0, len(docs))
	for _, doc := range docs {
		msg, err := models.MessageFromDocument(doc)
		if err != nil {
			if IsVerbose() {
				warnf(errOut, "skipping message %s: %v", doc.ID, err)
			}
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}

type threadEntryJSON struct {
	Message   models.Message `json:"message"`
	Own       bool           `json:"own"`
	DayLabel  string         `json:"day_label"`
	Separator bool           `json:"separator"`
}

func threadJSON(summary models.ConversationSummary, entries []threading.Entry) any {
	out := make([]threadEntryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, threadEntryJSON{
			Message:   e.Message,
			Own:       e.Own,
			DayLabel:  threading.Label(e),
			Separator: e.Separator,
		})
	}
	return struct {
		Conversation models.ConversationSummary `json:"conversation"`
		Messages     []threadEntryJSON          `json:"messages"`
	}{summary, out}
}

type threadPrinter struct {
	out   io.Writer
	loc   *time.Location
	width int
}

func (p *threadPrinter) print(e threading.Entry) error {
	if IsJSONLOutput() {
		return WriteOutput(p.out, threadEntryJSON{
			Message:   e.Message,
			Own:       e.Own,
			DayLabel:  threading.Label(e),
			Separator: e.Separator,
		})
	}
	if e.Separator {
		fmt.Fprintln(p.out, separator(p.out, threading.Label(e), p.width))
	}
	who := e.Message.SenderID
	if e.Own {
		who = styled(p.out, ownStyle, "you")
	}
	_, err := fmt.Fprintf(p.out, "%s  %s: %s\n", e.Message.CreatedAt.In(p.loc).Format("15:04"), who, e.Message.Text)
	return err
}

// followThread prints messages added after the initial listing until ctx is
// done. The thread is re-assembled on every addition so day separators stay
// correct; only entries not printed before are written.
func followThread(ctx context.Context, sub *livequery.Subscription, p *threadPrinter, messages []models.Message, viewer string, loc *time.Location) error {
	printed := make(map[string]bool, len(messages))
	for _, m := range messages {
		printed[m.ID] = true
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-sub.Changes():
			if !ok {
				return nil
			}
			if change.Err != nil {
				warnf(p.out, "resync failed: %v", change.Err)
				continue
			}
			if change.Kind != models.ChangeAdded || printed[change.Doc.ID] {
				continue
			}

			messages = decodeMessages(io.Discard, sub.Snapshot())
			entries := threading.Assemble(messages, viewer,
				threading.WithLocation(loc),
				threading.WithLeadingSeparator(),
			)
			for _, e := range entries {
				if printed[e.Message.ID] {
					continue
				}
				printed[e.Message.ID] = true
				if err := p.print(e); err != nil {
					return err
				}
			}
		}
	}
}
