package commands

import (
	"fmt"
	"strings"

	"github.com/roasbeef/mailsync/internal/maildb"
	"github.com/spf13/cobra"
)

var (
	tagAdd    []string
	tagRemove []string
	tagSet    bool
	tagNoWait bool
)

// tagCmd changes the tags of the messages matching a query.
var tagCmd = &cobra.Command{
	Use:   "tag [--] [+tag|-tag]... <query...>",
	Short: "Add or remove tags",
	Long: `Change the tags of every message matching a query. Leading +tag and
-tag arguments add and remove tags; put them after -- when removing so
they are not read as flags:

    mailsync tag -- +todo -inbox tag:inbox and from:alice

The change is queued and committed right away, waiting for the index
lock if another writer holds it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTag,
}

func init() {
	tagCmd.Flags().StringSliceVarP(&tagAdd, "add", "a", nil,
		"Tags to add")
	tagCmd.Flags().StringSliceVarP(&tagRemove, "remove", "r", nil,
		"Tags to remove")
	tagCmd.Flags().BoolVar(&tagSet, "set", false,
		"Replace every tag with the added tags")
	tagCmd.Flags().BoolVar(&tagNoWait, "no-wait", false,
		"Do not wait for a locked index")
}

// parseTagArgs splits leading +tag and -tag operations from the query.
func parseTagArgs(args []string) (add, remove []string, q string,
	err error) {

	i := 0
	for ; i < len(args); i++ {
		arg := args[i]
		if len(arg) < 2 || (arg[0] != '+' && arg[0] != '-') {
			break
		}

		if arg[0] == '+' {
			add = append(add, arg[1:])
		} else {
			remove = append(remove, arg[1:])
		}
	}

	q = joinQuery(args[i:])
	if q == "" {
		return nil, nil, "", fmt.Errorf("no query given")
	}

	return add, remove, q, nil
}

// tagResult is the outcome of a tag command.
type tagResult struct {
	Query   string   `json:"query" yaml:"query"`
	Added   []string `json:"added,omitempty" yaml:"added,omitempty"`
	Removed []string `json:"removed,omitempty" yaml:"removed,omitempty"`
	Applied int      `json:"applied" yaml:"applied"`
	Pending int      `json:"pending" yaml:"pending"`
}

func runTag(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	add, remove, q, err := parseTagArgs(args)
	if err != nil {
		return err
	}
	add = append(add, tagAdd...)
	remove = append(remove, tagRemove...)

	if len(add) == 0 && len(remove) == 0 && !tagSet {
		return fmt.Errorf("no tag changes given")
	}
	if tagSet && len(remove) > 0 {
		return fmt.Errorf("--set cannot be combined with removals")
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	switch {
	case tagSet:
		err = s.gw.Tag(ctx, q, add, maildb.WithRemoveRest())
	case len(add) > 0:
		err = s.gw.Tag(ctx, q, add)
	}
	if err != nil {
		return err
	}
	if len(remove) > 0 {
		if err := s.gw.Untag(ctx, q, remove); err != nil {
			return err
		}
	}

	var applied int
	if tagNoWait {
		// A locked index leaves the change pending, which the
		// output reports.
		applied, err = s.sched.Flush(ctx)
		if maildb.IsLocked(err) {
			err = nil
		}
	} else {
		applied, err = s.flush(ctx)
	}
	if err != nil {
		return err
	}

	res := tagResult{
		Query:   q,
		Added:   add,
		Removed: remove,
		Applied: applied,
		Pending: s.gw.PendingWrites(),
	}

	return printOutput(res, func() {
		fmt.Printf("Applied %d change(s) to %q", res.Applied, q)
		if len(add) > 0 {
			fmt.Printf(" +%s", strings.Join(add, " +"))
		}
		if len(remove) > 0 {
			fmt.Printf(" -%s", strings.Join(remove, " -"))
		}
		fmt.Println()
	})
}
