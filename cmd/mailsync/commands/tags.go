package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// tagsCmd lists every tag in the index.
var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List every tag in the index",
	Args:  cobra.NoArgs,
	RunE:  runTags,
}

func runTags(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	tags, err := s.gw.GetAllTags(ctx)
	if err != nil {
		return err
	}
	if tags == nil {
		tags = []string{}
	}

	return printOutput(tags, func() {
		for _, tag := range tags {
			fmt.Println(tag)
		}
	})
}
