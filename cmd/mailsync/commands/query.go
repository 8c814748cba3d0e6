package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// queryCmd is the parent command for named query management.
var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Manage named queries",
	Long: `Named queries are stored in the index and can be used inside other
queries as query:<name>.`,
}

var querySaveCmd = &cobra.Command{
	Use:   "save <name> <query...>",
	Short: "Save a named query",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runQuerySave,
}

var queryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List named queries",
	Args:  cobra.NoArgs,
	RunE:  runQueryList,
}

var queryRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a named query",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueryRemove,
}

func init() {
	queryCmd.AddCommand(querySaveCmd)
	queryCmd.AddCommand(queryListCmd)
	queryCmd.AddCommand(queryRemoveCmd)
}

func runQuerySave(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	name, q := args[0], joinQuery(args[1:])
	if err := s.gw.SaveNamedQuery(ctx, name, q); err != nil {
		return err
	}
	if _, err := s.flush(ctx); err != nil {
		return err
	}

	fmt.Printf("Saved query:%s = %s\n", name, q)

	return nil
}

func runQueryList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	queries, err := s.gw.GetNamedQueries(ctx)
	if err != nil {
		return err
	}
	if queries == nil {
		queries = map[string]string{}
	}

	names := make([]string, 0, len(queries))
	for name := range queries {
		names = append(names, name)
	}
	sort.Strings(names)

	return printOutput(queries, func() {
		for _, name := range names {
			fmt.Printf("%-16s %s\n", name, queries[name])
		}
	})
}

func runQueryRemove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	if err := s.gw.RemoveNamedQuery(ctx, args[0]); err != nil {
		return err
	}
	if _, err := s.flush(ctx); err != nil {
		return err
	}

	fmt.Printf("Removed query:%s\n", args[0])

	return nil
}
