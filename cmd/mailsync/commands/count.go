package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// countThreads counts threads instead of messages.
var countThreads bool

// countCmd counts the messages matching a query.
var countCmd = &cobra.Command{
	Use:   "count [query...]",
	Short: "Count messages matching a query",
	Long: `Count the messages matching a query. Without a query every message
is counted. Exclude tags do not apply to counts.`,
	RunE: runCount,
}

func init() {
	countCmd.Flags().BoolVar(&countThreads, "threads", false,
		"Count threads instead of messages")
}

func runCount(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	q := joinQuery(args)
	if q == "" {
		q = "*"
	}

	var n int
	if countThreads {
		n, err = s.gw.CountThreads(ctx, q)
	} else {
		n, err = s.gw.CountMessages(ctx, q)
	}
	if err != nil {
		return err
	}

	return printOutput(map[string]int{"count": n}, func() {
		fmt.Println(n)
	})
}
