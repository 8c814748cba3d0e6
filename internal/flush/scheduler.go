// Package flush decides when the write queue is flushed. It flushes on
// demand and on an optional interval, and when the index is locked it tells
// the user and retries after a fixed delay.
package flush

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roasbeef/mailsync/internal/maildb"
	"github.com/roasbeef/mailsync/internal/notify"
)

// DefaultRetryDelay is the wait before retrying a flush that hit a locked
// index.
const DefaultRetryDelay = 5 * time.Second

// Flusher commits queued mutations. maildb.Gateway implements it.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

// Notifier shows a message to the user. notify.Hub implements it.
type Notifier interface {
	Notify(p notify.Priority, msg string)
}

// Config configures a Scheduler.
type Config struct {
	// RetryDelay is the wait before retrying after a locked index. Zero
	// disables automatic retries.
	RetryDelay time.Duration

	// Interval flushes periodically when positive.
	Interval time.Duration
}

// DefaultConfig retries locked flushes after DefaultRetryDelay and does not
// flush periodically.
func DefaultConfig() Config {
	return Config{RetryDelay: DefaultRetryDelay}
}

// Scheduler runs flushes and handles lock contention.
type Scheduler struct {
	flusher  Flusher
	notifier Notifier
	cfg      Config

	mu     sync.Mutex
	locked bool
	retry  *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Retries run on a background context until
// Start provides one.
func New(f Flusher, n Notifier, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		flusher:  f,
		notifier: n,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start binds retries to ctx and starts the periodic flush if configured.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	if s.cfg.Interval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_, _ = s.Flush(runCtx)

			case <-runCtx.Done():
				return
			}
		}
	}()

	log.InfoS(ctx, "Auto flush started", "interval", s.cfg.Interval)
}

// Stop cancels the pending retry and the periodic flush.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Locked reports whether the last flush found the index locked.
func (s *Scheduler) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.locked
}

// Flush flushes now. A locked index is reported once per locked period and
// arms a retry; the first successful flush afterwards reports the index as
// unlocked. Other failures are reported at error priority.
func (s *Scheduler) Flush(ctx context.Context) (int, error) {
	n, err := s.flusher.Flush(ctx)

	switch {
	case errors.Is(err, maildb.ErrFlushInProgress):
		return n, err

	case maildb.IsLocked(err):
		s.mu.Lock()
		first := !s.locked
		s.locked = true
		s.armRetryLocked()
		s.mu.Unlock()

		if first {
			msg := "index locked"
			if s.cfg.RetryDelay > 0 {
				msg = fmt.Sprintf("index locked, will try again "+
					"in %v", s.cfg.RetryDelay)
			}
			s.notifier.Notify(notify.PriorityNormal, msg)
		}
		log.DebugS(ctx, "Flush deferred, index locked",
			"applied", n, "retry_in", s.cfg.RetryDelay)

		return n, err

	case err != nil:
		s.notifier.Notify(notify.PriorityError,
			fmt.Sprintf("flush failed: %v", err))

		return n, err
	}

	s.mu.Lock()
	wasLocked := s.locked
	s.locked = false
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.mu.Unlock()

	if wasLocked {
		s.notifier.Notify(notify.PriorityNormal, "index unlocked")
	}
	if n > 0 {
		log.DebugS(ctx, "Flushed write queue", "applied", n)
	}

	return n, nil
}

// armRetryLocked schedules one retry unless one is already pending. The
// caller holds s.mu.
func (s *Scheduler) armRetryLocked() {
	if s.cfg.RetryDelay <= 0 || s.retry != nil {
		return
	}

	ctx := s.ctx
	if ctx.Err() != nil {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(s.cfg.RetryDelay, func() {
		s.mu.Lock()
		if s.retry != timer {
			s.mu.Unlock()
			return
		}
		s.retry = nil
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		_, _ = s.Flush(ctx)
	})
	s.retry = timer
}
