package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/roasbeef/mailsync/internal/maildb"
	"github.com/spf13/cobra"
)

// showCmd prints a thread as a reply tree.
var showCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Show a thread",
	Long: `Print the messages of a thread as a reply tree. The thread id may be
given with or without the thread: prefix.`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

// messageRow is one message of a shown thread.
type messageRow struct {
	MessageID string    `json:"message_id" yaml:"message_id"`
	ParentID  string    `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Depth     int       `json:"depth" yaml:"depth"`
	From      string    `json:"from" yaml:"from"`
	Subject   string    `json:"subject" yaml:"subject"`
	Date      time.Time `json:"date" yaml:"date"`
	Tags      []string  `json:"tags" yaml:"tags"`
	Filename  string    `json:"filename" yaml:"filename"`
}

// threadView is a shown thread.
type threadView struct {
	ThreadID string       `json:"thread_id" yaml:"thread_id"`
	Subject  string       `json:"subject" yaml:"subject"`
	Authors  []string     `json:"authors" yaml:"authors"`
	Tags     []string     `json:"tags" yaml:"tags"`
	Messages []messageRow `json:"messages" yaml:"messages"`
}

// viewOf flattens the reply tree of t, parents before replies.
func viewOf(t *maildb.Thread) threadView {
	v := threadView{
		ThreadID: t.ID(),
		Subject:  t.Subject(),
		Authors:  t.Authors(),
		Tags:     t.Tags(false),
	}

	seen := make(map[string]struct{})

	var walk func(msgs []*maildb.Message, depth int)
	walk = func(msgs []*maildb.Message, depth int) {
		for _, m := range msgs {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}

			v.Messages = append(v.Messages, messageRow{
				MessageID: m.ID,
				ParentID:  m.ParentID,
				Depth:     depth,
				From:      m.From,
				Subject:   m.Subject,
				Date:      m.Date,
				Tags:      m.Tags(),
				Filename:  m.Filename(),
			})
			walk(t.Replies(m.ID), depth+1)
		}
	}
	walk(t.TopLevel(), 0)

	return v
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	id := strings.TrimPrefix(args[0], "thread:")
	t, err := s.gw.GetThread(ctx, id)
	if err != nil {
		return err
	}
	v := viewOf(t)

	return printOutput(v, func() {
		fmt.Printf("%s (%s)\n", v.Subject, strings.Join(v.Tags, " "))

		now := time.Now()
		for _, m := range v.Messages {
			indent := strings.Repeat("  ", m.Depth)
			fmt.Printf("%s%s  %s  %s (%s)\n", indent,
				formatDate(m.Date, now), m.From, m.Subject,
				strings.Join(m.Tags, " "))
			fmt.Printf("%s  %s\n", indent, m.Filename)
		}
	})
}
