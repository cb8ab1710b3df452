package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tOgg1/flock/internal/livequery"
	"github.com/tOgg1/flock/internal/models"
	"github.com/tOgg1/flock/internal/wire"
)

var (
	watchWhere   []string
	watchOrderBy string
	watchDesc    bool
	watchLimit   int
	watchNoFeed  bool
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringArrayVarP(&watchWhere, "where", "w", nil, "filter as field<op>value, op one of == != < <= > >= (repeatable)")
	watchCmd.Flags().StringVar(&watchOrderBy, "order-by", "", "order the initial snapshot by this field")
	watchCmd.Flags().BoolVar(&watchDesc, "desc", false, "descending order")
	watchCmd.Flags().IntVar(&watchLimit, "limit", 0, "max documents in the initial snapshot (0 = all)")
	watchCmd.Flags().BoolVar(&watchNoFeed, "no-feed", false, "only see writes made by this process")
}

var watchCmd = &cobra.Command{
	Use:   "watch <collection>",
	Short: "Stream changes to a query",
	Long: `Print the documents matching a query, then every change to the result as
it is committed: added, modified or removed. Writes from other processes are
picked up from the change log. Stops on Ctrl+C.

With --jsonl or --json each change is one JSON object per line.`,
	Example: `  flock watch messages --where conversationId==c1 --order-by createdAt
  flock watch tweets --where isDeleted==false --jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		query, err := buildWatchQuery(args[0], watchWhere, watchOrderBy, watchDesc, watchLimit)
		if err != nil {
			return err
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if !watchNoFeed {
			feed := a.NewFeed()
			if err := feed.Start(ctx); err != nil {
				warnf(cmd.ErrOrStderr(), "change log unavailable, only local writes are shown: %v", err)
			} else {
				defer feed.Stop()
			}
		}

		sub, err := a.Subscriber.Subscribe(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", query.Collection, err)
		}
		defer sub.Unsubscribe()

		streamer := &changeStreamer{
			out:        cmd.OutOrStdout(),
			collection: query.Collection,
			structured: IsJSONOutput() || IsJSONLOutput(),
		}
		return streamer.Stream(ctx, sub)
	},
}

func buildWatchQuery(collection string, where []string, orderBy string, desc bool, limit int) (models.Query, error) {
	q := models.Query{Collection: strings.TrimSpace(collection), Limit: limit}
	for _, raw := range where {
		p, err := parsePredicate(raw)
		if err != nil {
			return models.Query{}, err
		}
		q.Where = append(q.Where, p)
	}
	if orderBy = strings.TrimSpace(orderBy); orderBy != "" {
		q.OrderBy = &models.OrderBy{Field: orderBy, Desc: desc}
	}
	if err := q.Validate(); err != nil {
		return models.Query{}, err
	}
	return q, nil
}

// Longer operators first so "<=" is not read as "<".
var predicateOps = []models.Op{models.OpEq, models.OpNe, models.OpLte, models.OpGte, models.OpLt, models.OpGt}

func parsePredicate(raw string) (models.Predicate, error) {
	for _, op := range predicateOps {
		idx := strings.Index(raw, string(op))
		if idx <= 0 {
			continue
		}
		field := strings.TrimSpace(raw[:idx])
		value := strings.TrimSpace(raw[idx+len(op):])
		if field == "" {
			break
		}
		return models.Where(field, op, parseValue(value)), nil
	}
	return models.Predicate{}, fmt.Errorf("invalid --where %q: want field<op>value", raw)
}

// parseValue reads numbers and booleans as such; quote a value to keep it a string.
func parseValue(s string) any {
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// changeStreamer writes a subscription's snapshot and changes.
type changeStreamer struct {
	out        io.Writer
	collection string
	structured bool
}

// Stream writes the snapshot as additions, then changes until ctx is done or
// the subscription ends. Returns nil on cancellation.
func (s *changeStreamer) Stream(ctx context.Context, sub *livequery.Subscription) error {
	for _, doc := range sub.Snapshot() {
		if err := s.write(livequery.Change{Kind: models.ChangeAdded, Doc: doc}); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-sub.Changes():
			if !ok {
				return nil
			}
			if err := s.write(change); err != nil {
				return fmt.Errorf("failed to write change: %w", err)
			}
		}
	}
}

func (s *changeStreamer) write(change livequery.Change) error {
	if s.structured {
		event, err := wire.Event(s.collection, change)
		if err != nil {
			return err
		}
		data, err := wire.Marshal(event)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(s.out, string(data))
		return err
	}

	if change.Err != nil {
		warnf(s.out, "! resync failed: %v", change.Err)
		return nil
	}
	mark := map[models.ChangeKind]string{
		models.ChangeAdded:    "+",
		models.ChangeModified: "~",
		models.ChangeRemoved:  "-",
	}[change.Kind]
	_, err := fmt.Fprintf(s.out, "%s %s/%s v%d %s\n", mark, s.collection, change.Doc.ID, change.Doc.Version, compactFields(change.Doc.Fields))
	return err
}

// compactFields renders fields as sorted key=value pairs.
func compactFields(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		data, err := json.Marshal(fields[k])
		if err != nil {
			data = []byte(fmt.Sprint(fields[k]))
		}
		parts = append(parts, k+"="+truncate(string(data), 60))
	}
	return strings.Join(parts, " ")
}
