package flush

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roasbeef/mailsync/internal/maildb"
	"github.com/roasbeef/mailsync/internal/notify"
	"github.com/stretchr/testify/require"
)

// fakeFlusher fails with the queued errors in order, then succeeds.
type fakeFlusher struct {
	mu    sync.Mutex
	errs  []error
	calls atomic.Int32
}

func (f *fakeFlusher) Flush(context.Context) (int, error) {
	f.calls.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.errs) == 0 {
		return 1, nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]

	return 0, err
}

func locked() error {
	return &maildb.IndexLockedError{Err: errors.New("busy")}
}

// recordingNotifier keeps every notification.
type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
	prio []notify.Priority
}

func (r *recordingNotifier) Notify(p notify.Priority, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.msgs = append(r.msgs, msg)
	r.prio = append(r.prio, p)
}

func (r *recordingNotifier) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.msgs...)
}

// TestLockedRetry checks the notification sequence and the automatic
// retries of a flush that first finds the index locked.
func TestLockedRetry(t *testing.T) {
	t.Parallel()

	f := &fakeFlusher{errs: []error{locked(), locked()}}
	n := &recordingNotifier{}
	s := New(f, n, Config{RetryDelay: 10 * time.Millisecond})
	s.Start(context.Background())
	defer s.Stop()

	_, err := s.Flush(context.Background())
	require.True(t, maildb.IsLocked(err))
	require.True(t, s.Locked())

	require.Eventually(t, func() bool {
		return f.calls.Load() == 3 && !s.Locked()
	}, 5*time.Second, 5*time.Millisecond)

	require.Equal(t, []string{
		"index locked, will try again in 10ms",
		"index unlocked",
	}, n.messages())

	// No further retries once unlocked.
	require.Never(t, func() bool {
		return f.calls.Load() > 3
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestNoRetryWhenDisabled(t *testing.T) {
	t.Parallel()

	f := &fakeFlusher{errs: []error{locked()}}
	n := &recordingNotifier{}
	s := New(f, n, Config{})
	defer s.Stop()

	_, err := s.Flush(context.Background())
	require.True(t, maildb.IsLocked(err))
	require.Equal(t, []string{"index locked"}, n.messages())

	require.Never(t, func() bool {
		return f.calls.Load() > 1
	}, 50*time.Millisecond, 5*time.Millisecond)

	_, err = s.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"index locked", "index unlocked"},
		n.messages())
}

func TestOtherErrorsNotifyAtErrorPriority(t *testing.T) {
	t.Parallel()

	f := &fakeFlusher{errs: []error{errors.New("disk full")}}
	n := &recordingNotifier{}
	s := New(f, n, DefaultConfig())
	defer s.Stop()

	_, err := s.Flush(context.Background())
	require.Error(t, err)
	require.False(t, s.Locked())
	require.Equal(t, []string{"flush failed: disk full"}, n.messages())
	require.Equal(t, []notify.Priority{notify.PriorityError}, n.prio)
}

func TestStopCancelsRetry(t *testing.T) {
	t.Parallel()

	f := &fakeFlusher{errs: []error{locked()}}
	s := New(f, &recordingNotifier{}, Config{
		RetryDelay: 20 * time.Millisecond,
	})
	s.Start(context.Background())

	_, err := s.Flush(context.Background())
	require.Error(t, err)
	s.Stop()

	require.Never(t, func() bool {
		return f.calls.Load() > 1
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestIntervalFlush(t *testing.T) {
	t.Parallel()

	f := &fakeFlusher{}
	s := New(f, &recordingNotifier{}, Config{
		Interval: 5 * time.Millisecond,
	})
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		return f.calls.Load() >= 3
	}, 5*time.Second, 5*time.Millisecond)

	s.Stop()
	calls := f.calls.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, calls, f.calls.Load())
}
