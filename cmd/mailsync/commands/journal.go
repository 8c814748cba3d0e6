package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/roasbeef/mailsync/internal/journal"
	"github.com/roasbeef/mailsync/internal/maildb"
	"github.com/spf13/cobra"
)

var (
	pruneOlderThan time.Duration
	dropNoFlush    bool
)

// journalCmd is the parent command for the mutation journal.
var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect and manage the mutation journal",
	Long: `With journal.enabled set, every queued change is written to a journal
next to the index before it is committed. Changes left pending when a
command exits are queued again by the next command that opens the index.`,
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journaled changes",
	Args:  cobra.NoArgs,
	RunE:  runJournalList,
}

var journalReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Commit pending journaled changes",
	Args:  cobra.NoArgs,
	RunE:  runJournalReplay,
}

var journalStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show journal statistics",
	Args:  cobra.NoArgs,
	RunE:  runJournalStats,
}

var journalPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete delivered changes older than a cutoff",
	Args:  cobra.NoArgs,
	RunE:  runJournalPrune,
}

var journalDropHeadCmd = &cobra.Command{
	Use:   "drop-head [id]",
	Short: "Discard the oldest pending change and commit the rest",
	Long: `Discard the oldest pending change, the one every commit starts with.
Use it when that change fails permanently and holds the changes behind it
back. With an id, as shown by journal list, the change is only discarded
if it is still the oldest.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJournalDropHead,
}

var journalClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every journaled change, including pending ones",
	Args:  cobra.NoArgs,
	RunE:  runJournalClear,
}

func init() {
	journalPruneCmd.Flags().DurationVar(
		&pruneOlderThan, "older-than", 7*24*time.Hour,
		"Age of the delivered changes to delete",
	)

	journalDropHeadCmd.Flags().BoolVar(
		&dropNoFlush, "no-flush", false,
		"Leave the remaining changes pending",
	)

	journalCmd.AddCommand(journalListCmd)
	journalCmd.AddCommand(journalReplayCmd)
	journalCmd.AddCommand(journalStatsCmd)
	journalCmd.AddCommand(journalPruneCmd)
	journalCmd.AddCommand(journalDropHeadCmd)
	journalCmd.AddCommand(journalClearCmd)
}

// openJournal opens the configured journal without touching the index.
func openJournal(ctx context.Context) (*journal.Journal, error) {
	if !cfg.Journal.Enabled {
		return nil, journal.ErrNoJournal
	}

	return journal.Open(
		ctx, cfg.JournalPath(), cfg.JournalStoreOptions()...,
	)
}

// journalRow is the output form of one entry.
type journalRow struct {
	Seq       int64     `json:"seq" yaml:"seq"`
	ID        string    `json:"id" yaml:"id"`
	Kind      string    `json:"kind" yaml:"kind"`
	Status    string    `json:"status" yaml:"status"`
	Target    string    `json:"target" yaml:"target"`
	Tags      []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

func journalRowOf(e journal.Entry) journalRow {
	target := e.Payload.Query
	switch {
	case e.Payload.Path != "":
		target = e.Payload.Path
	case e.Payload.Name != "":
		target = "query:" + e.Payload.Name
	}

	return journalRow{
		Seq:       e.Seq,
		ID:        e.ID.String(),
		Kind:      string(e.Kind),
		Status:    string(e.Status),
		Target:    target,
		Tags:      e.Payload.Tags,
		CreatedAt: e.CreatedAt,
	}
}

func runJournalList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	j, err := openJournal(ctx)
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.List(ctx)
	if err != nil {
		return fmt.Errorf("list journal: %w", err)
	}

	rows := make([]journalRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, journalRowOf(e))
	}

	return printOutput(rows, func() {
		if len(rows) == 0 {
			fmt.Println("Journal is empty.")
			return
		}

		fmt.Printf("Journaled changes: %d\n", len(rows))
		fmt.Println(strings.Repeat("-", 60))

		now := time.Now()
		for _, r := range rows {
			age := now.Sub(r.CreatedAt).Truncate(time.Second)
			fmt.Printf("  %5d  %-9s  %-13s  age=%-10s  %s",
				r.Seq, r.Status, r.Kind, age, r.Target)
			if len(r.Tags) > 0 {
				fmt.Printf("  tags=%s", strings.Join(r.Tags, ","))
			}
			fmt.Println()
		}
	})
}

// runJournalReplay opens the index, which queues the pending entries, and
// commits them.
func runJournalReplay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if !cfg.Journal.Enabled {
		return journal.ErrNoJournal
	}
	if cfg.Index.ReadOnly {
		return fmt.Errorf("cannot replay the journal on a read-only " +
			"index")
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	pending := s.gw.PendingWrites()
	if pending == 0 {
		fmt.Println("Journal has no pending changes.")
		return nil
	}

	n, err := s.flush(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Committed %d of %d change(s)\n", n, pending)

	return nil
}

// runJournalDropHead opens the index, which queues the pending entries,
// drops the head of the queue and commits what is left.
func runJournalDropHead(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if !cfg.Journal.Enabled {
		return journal.ErrNoJournal
	}

	var expect *uuid.UUID
	if len(args) == 1 {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid change id %q: %w", args[0], err)
		}
		expect = &id
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	var m *maildb.Mutation
	if expect != nil {
		m, err = s.gw.Queue().DropHeadIf(ctx, *expect)
	} else {
		m, err = s.gw.Queue().DropHead(ctx)
	}
	if err != nil {
		return err
	}
	if m == nil {
		fmt.Println("Journal has no pending changes.")
		return nil
	}

	fmt.Printf("Dropped %s (%s)\n", m.ID, m.String())

	if dropNoFlush || s.gw.PendingWrites() == 0 {
		return nil
	}

	n, err := s.flush(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Committed %d remaining change(s)\n", n)

	return nil
}

func runJournalStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	j, err := openJournal(ctx)
	if err != nil {
		return err
	}
	defer j.Close()

	stats, err := j.Stats(ctx)
	if err != nil {
		return fmt.Errorf("journal stats: %w", err)
	}

	out := map[string]any{
		"pending":   stats.Pending,
		"delivered": stats.Delivered,
	}
	stats.OldestPending.WhenSome(func(t time.Time) {
		out["oldest_pending"] = t
	})

	return printOutput(out, func() {
		fmt.Printf("Pending:   %d\n", stats.Pending)
		fmt.Printf("Delivered: %d\n", stats.Delivered)
		stats.OldestPending.WhenSome(func(t time.Time) {
			fmt.Printf("Oldest pending: %s (%s ago)\n",
				t.Format(time.RFC3339),
				time.Since(t).Truncate(time.Second))
		})
	})
}

func runJournalPrune(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	j, err := openJournal(ctx)
	if err != nil {
		return err
	}
	defer j.Close()

	n, err := j.Prune(ctx, pruneOlderThan)
	if err != nil {
		return fmt.Errorf("prune journal: %w", err)
	}

	fmt.Printf("Pruned %d delivered change(s)\n", n)

	return nil
}

func runJournalClear(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	j, err := openJournal(ctx)
	if err != nil {
		return err
	}
	defer j.Close()

	if err := j.Clear(ctx); err != nil {
		return fmt.Errorf("clear journal: %w", err)
	}

	fmt.Println("Journal cleared.")

	return nil
}
