package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tOgg1/flock/internal/threading"
	"github.com/tOgg1/flock/internal/trends"
)

var (
	trendsAsOf  string
	trendsLimit int
	trendsDays  int
)

func init() {
	rootCmd.AddCommand(trendsCmd)
	rootCmd.AddCommand(viewCmd)

	trendsCmd.Flags().StringVar(&trendsAsOf, "as-of", "", "rank as of this instant (RFC 3339 or YYYY-MM-DD, end of day UTC)")
	trendsCmd.Flags().IntVar(&trendsLimit, "limit", 0, "max items per day (0 = all)")
	trendsCmd.Flags().IntVar(&trendsDays, "days", 0, "max days shown (0 = all)")
}

var trendsCmd = &cobra.Command{
	Use:   "trends",
	Short: "Show trending items grouped by day",
	Long: `Rank engagement items by likes plus reshares within each UTC calendar day,
newest day first. Soft-deleted items are left out and authors that cannot be
found are shown with the placeholder name.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		asOf, err := parseAsOf(trendsAsOf)
		if err != nil {
			return err
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		groups, err := a.Trends.Load(ctx, asOf)
		if err != nil {
			return fmt.Errorf("failed to load trends: %w", err)
		}
		groups = clipGroups(groups, trendsDays, trendsLimit)

		out := cmd.OutOrStdout()
		if IsJSONLOutput() {
			for _, item := range trends.Flatten(groups) {
				if err := WriteOutput(out, item); err != nil {
					return err
				}
			}
			return nil
		}
		if IsJSONOutput() {
			if groups == nil {
				groups = []trends.RankedGroup{}
			}
			return WriteOutput(out, groups)
		}

		if len(groups) == 0 {
			fmt.Fprintln(out, "Nothing trending.")
			return nil
		}

		width := terminalWidth(out, 80)
		for i, g := range groups {
			if i > 0 {
				fmt.Fprintln(out)
			}
			fmt.Fprintln(out, separator(out, g.Date.Format(threading.DayLabelLayout), width))
			rows := make([][]string, 0, len(g.Items))
			for _, it := range g.Items {
				rows = append(rows, []string{
					strconv.Itoa(it.Position),
					strconv.FormatInt(it.Score, 10),
					displayUser(out, it.Author),
					truncate(it.Item.Text, 40),
					strconv.FormatInt(it.Item.Views, 10),
					it.Item.ID,
				})
			}
			if err := writeTable(out, []string{"#", "SCORE", "AUTHOR", "TEXT", "VIEWS", "ID"}, rows); err != nil {
				return err
			}
		}
		return nil
	},
}

var viewCmd = &cobra.Command{
	Use:   "view <item>",
	Short: "Count a view of an item",
	Long:  "Increment an item's view counter by one. Views do not affect ranking.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		id := strings.TrimSpace(args[0])
		views, err := a.Trends.IncrementViews(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to count view: %w", err)
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, map[string]any{"id": id, "views": views})
		}
		fmt.Fprintf(out, "%s: %d view%s\n", id, views, plural(int(views)))
		return nil
	},
}

// parseAsOf accepts RFC 3339 or a bare date, which means the end of that UTC day.
func parseAsOf(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	d, err := time.Parse(trends.DayLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --as-of %q: want RFC 3339 or YYYY-MM-DD", value)
	}
	return d.Add(24*time.Hour - time.Nanosecond), nil
}

func clipGroups(groups []trends.RankedGroup, days, perDay int) []trends.RankedGroup {
	if days > 0 && len(groups) > days {
		groups = groups[:days]
	}
	if perDay <= 0 {
		return groups
	}
	out := make([]trends.RankedGroup, len(groups))
	for i, g := range groups {
		if len(g.Items) > perDay {
			g.Items = g.Items[:perDay]
		}
		out[i] = g
	}
	return out
}
