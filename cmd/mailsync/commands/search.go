package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/roasbeef/mailsync/internal/maildb"
	"github.com/roasbeef/mailsync/internal/query"
	"github.com/roasbeef/mailsync/internal/search"
	"github.com/spf13/cobra"
)

var (
	searchLimit     int
	searchSort      string
	searchExclude   []string
	searchNoExclude bool
	searchReverse   bool
)

// searchCmd lists the threads matching a query.
var searchCmd = &cobra.Command{
	Use:   "search <query...>",
	Short: "Search threads",
	Long: `List the threads matching a query. Results are printed as the
search produces them. Messages carrying an exclude tag are hidden unless
the query names the tag.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0,
		"Maximum number of threads (0 for all)")
	searchCmd.Flags().StringVar(&searchSort, "sort", "",
		"Sort order: newest_first, oldest_first, message_id, unsorted")
	searchCmd.Flags().StringSliceVar(&searchExclude, "exclude", nil,
		"Exclude tags, replacing search.exclude_tags")
	searchCmd.Flags().BoolVar(&searchNoExclude, "no-exclude", false,
		"Do not hide excluded messages")
	searchCmd.Flags().BoolVar(&searchReverse, "reverse", false,
		"Print the results in reverse order")
}

// threadRow is one search result.
type threadRow struct {
	ThreadID string    `json:"thread_id" yaml:"thread_id"`
	Newest   time.Time `json:"newest" yaml:"newest"`
	Messages int       `json:"messages" yaml:"messages"`
	Authors  []string  `json:"authors" yaml:"authors"`
	Subject  string    `json:"subject" yaml:"subject"`
	Tags     []string  `json:"tags" yaml:"tags"`
}

func (r threadRow) String(now time.Time) string {
	return fmt.Sprintf("thread:%s  %6s [%d] %s; %s (%s)", r.ThreadID,
		formatDate(r.Newest, now), r.Messages,
		strings.Join(r.Authors, ", "), r.Subject,
		strings.Join(r.Tags, " "))
}

func rowOf(t maildb.ThreadSummary) threadRow {
	return threadRow{
		ThreadID: t.ID,
		Newest:   t.Newest,
		Messages: t.TotalMessages,
		Authors:  t.Authors,
		Subject:  t.Subject,
		Tags:     t.Tags,
	}
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	sort := cfg.Search.DefaultSort
	if searchSort != "" {
		var err error
		if sort, err = query.ParseSort(searchSort); err != nil {
			return err
		}
	}

	q := joinQuery(args)
	if _, err := query.Parse(q); err != nil {
		return err
	}

	exclude := searchExclude
	if searchNoExclude {
		exclude = []string{}
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	pipeline := search.NewPipeline[maildb.ThreadSummary](
		s.gw,
		search.WithBufferSize(cfg.Search.BufferSize),
		search.WithMetrics(s.metrics),
	)
	h := pipeline.StartSearch(ctx, search.Request{
		Query:   q,
		Sort:    sort,
		Exclude: exclude,
	}, s.gw.Summary)

	w := search.NewWalker(h, false)
	defer w.Close()

	now := time.Now()
	stream := outputFormat == formatText && !searchReverse

	var rows []threadRow
	for i := 0; searchLimit <= 0 || i < searchLimit; i++ {
		item := w.Get(i)
		if item.IsNone() {
			break
		}

		row := rowOf(item.UnwrapOr(maildb.ThreadSummary{}))
		if stream {
			fmt.Println(row.String(now))
			continue
		}
		rows = append(rows, row)
	}
	if err := w.Err(); err != nil {
		return err
	}

	if searchReverse {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	if stream {
		return nil
	}

	return printOutput(rows, func() {
		for _, row := range rows {
			fmt.Println(row.String(now))
		}
	})
}
