package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/roasbeef/mailsync/internal/flush"
	"github.com/roasbeef/mailsync/internal/index"
	"github.com/roasbeef/mailsync/internal/journal"
	"github.com/roasbeef/mailsync/internal/maildb"
	"github.com/roasbeef/mailsync/internal/metrics"
	"github.com/roasbeef/mailsync/internal/notify"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// session is the state shared by the commands that touch the index.
type session struct {
	gw      *maildb.Gateway
	journal *journal.Journal
	metrics *metrics.Collectors
	hub     *notify.Hub
	sched   *flush.Scheduler

	unsubscribe func()
	printed     chan struct{}
}

// openSession opens the gateway over the configured index. With the
// journal enabled, mutations left over by an earlier run are queued again.
func openSession(ctx context.Context) (*session, error) {
	s := &session{
		metrics: metrics.New(),
		hub:     notify.NewHub(),
		printed: make(chan struct{}),
	}

	gwCfg := cfg.GatewayConfig()
	gwCfg.Metrics = s.metrics

	if cfg.Journal.Enabled {
		j, err := journal.Open(
			ctx, cfg.JournalPath(), cfg.JournalStoreOptions()...,
		)
		if err != nil {
			return nil, err
		}
		s.journal = j
		gwCfg.Journal = j
	}

	gw, err := maildb.New(gwCfg)
	if err != nil {
		s.closeJournal()
		return nil, err
	}
	s.gw = gw

	// The command flushes in the foreground, so the scheduler itself does
	// not retry.
	s.sched = flush.New(gw, s.hub, flush.Config{})

	notes, unsubscribe := s.hub.Subscribe(16)
	s.unsubscribe = unsubscribe
	go func() {
		defer close(s.printed)

		for n := range notes {
			fmt.Fprintln(os.Stderr, n.String())
		}
	}()

	if s.journal != nil && !gw.ReadOnly() {
		pending, err := s.journal.Replay(ctx)
		if err == nil {
			err = gw.Requeue(ctx, pending)
		}
		if err != nil {
			s.Close(ctx)
			return nil, fmt.Errorf("replay journal: %w", err)
		}
	}

	return s, nil
}

func (s *session) closeJournal() {
	if s.journal != nil {
		s.journal.Close()
	}
}

// Close reports unflushed mutations and releases the session.
func (s *session) Close(ctx context.Context) {
	if s.gw != nil {
		if err := s.gw.Close(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", err)
		}
	}
	if s.sched != nil {
		s.sched.Stop()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
		<-s.printed
	}
	s.closeJournal()
}

// flush commits the queue. While another writer holds the index it waits
// and retries until the queue drains or ctx is canceled.
func (s *session) flush(ctx context.Context) (int, error) {
	var total int
	for {
		n, err := s.sched.Flush(ctx)
		total += n

		if !maildb.IsLocked(err) {
			return total, err
		}

		retry := cfg.Flush.RetryTimeout
		if retry <= 0 {
			return total, err
		}
		fmt.Fprintf(os.Stderr, "waiting %v for the index lock\n", retry)

		select {
		case <-ctx.Done():
			if s.journal != nil {
				fmt.Fprintf(os.Stderr, "%d change(s) kept in the "+
					"journal\n", s.gw.PendingWrites())
			}

			return total, ctx.Err()

		case <-time.After(retry):
		}
	}
}

// ensureIndex creates the index when it does not exist yet.
func ensureIndex(ctx context.Context) error {
	if _, err := os.Stat(cfg.IndexConfig().DBPath()); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if cfg.Index.ReadOnly {
		return fmt.Errorf("no index at %s", cfg.IndexConfig().DBPath())
	}

	return index.Create(ctx, cfg.IndexConfig())
}

// ensureQueries saves the configured named queries missing from the index.
// They are committed by the next flush.
func ensureQueries(ctx context.Context, gw *maildb.Gateway) error {
	if gw.ReadOnly() || len(cfg.Queries) == 0 {
		return nil
	}

	saved, err := gw.GetNamedQueries(ctx)
	if err != nil {
		return err
	}

	for name, q := range cfg.Queries {
		if _, ok := saved[name]; ok {
			continue
		}
		if err := gw.SaveNamedQuery(ctx, name, q); err != nil {
			return err
		}
	}

	return nil
}

// printOutput writes v in the selected format. Text output is produced by
// text.
func printOutput(v any, text func()) error {
	switch outputFormat {
	case formatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))

	case formatYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Print(string(data))

	default:
		text()
	}

	return nil
}

// joinQuery joins the positional arguments into one query.
func joinQuery(args []string) string {
	return strings.Join(args, " ")
}

// formatDate renders a message date relative to now.
func formatDate(t, now time.Time) string {
	switch {
	case t.IsZero():
		return "unknown"
	case t.Year() != now.Year():
		return t.Format("2006-01-02")
	case t.YearDay() == now.YearDay():
		return t.Format("15:04")
	default:
		return t.Format("Jan 02")
	}
}
