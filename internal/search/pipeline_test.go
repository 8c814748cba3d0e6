package search

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roasbeef/mailsync/internal/query"
	"github.com/stretchr/testify/require"
)

var errSource = errors.New("source failed")

// fakeSource yields a fixed list of thread ids, optionally failing before
// position failAt.
type fakeSource struct {
	ids    []string
	failAt int
	err    error

	produced atomic.Int32

	lastQuery   atomic.Value
	lastExclude atomic.Value
}

func newFakeSource(n int) *fakeSource {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("t%03d", i)
	}

	return &fakeSource{ids: ids, failAt: -1}
}

func (s *fakeSource) SearchThreads(ctx context.Context, q string,
	_ query.Sort, exclude []string) iter.Seq2[string, error] {

	s.lastQuery.Store(q)
	s.lastExclude.Store(exclude)

	return func(yield func(string, error) bool) {
		for i, id := range s.ids {
			if i == s.failAt {
				yield("", s.err)
				return
			}
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}

			s.produced.Add(1)
			if !yield(id, nil) {
				return
			}
		}
	}
}

func waitDone[T any](t *testing.T, h *Handle[T]) {
	t.Helper()

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestSearchPreservesOrder(t *testing.T) {
	t.Parallel()

	src := newFakeSource(100)
	p := NewPipeline[string](src, WithBufferSize(8))

	h := p.StartSearch(context.Background(), Request{
		Query: "tag:inbox",
	}, ThreadIDs)
	w := NewWalker(h, false)

	var got []string
	for i := 0; ; i++ {
		item := w.Get(i)
		if item.IsNone() {
			break
		}
		got = append(got, item.UnwrapOr(""))
	}

	require.Equal(t, src.ids, got)
	require.True(t, w.Empty())
	require.NoError(t, w.Err())
	require.Equal(t, "tag:inbox", src.lastQuery.Load())

	waitDone(t, h)
	require.Zero(t, p.Active())
}

// TestTerminateAfterThree reads three of a hundred results, terminates the
// handle and checks that the worker is gone and reads do not block.
func TestTerminateAfterThree(t *testing.T) {
	t.Parallel()

	src := newFakeSource(100)
	p := NewPipeline[string](src, WithBufferSize(4))

	h := p.StartSearch(context.Background(), Request{Query: "*"}, ThreadIDs)
	w := NewWalker(h, false)

	for i := range 3 {
		require.Equal(t, src.ids[i], w.Get(i).UnwrapOr(""))
	}

	w.Close()

	select {
	case <-h.Done():
	default:
		t.Fatal("Terminate returned before the worker exited")
	}
	require.Zero(t, p.Active())

	got := make(chan bool, 1)
	go func() {
		got <- w.Get(3).IsNone()
	}()
	select {
	case none := <-got:
		require.True(t, none)
	case <-time.After(5 * time.Second):
		t.Fatal("Get blocked after terminate")
	}

	_, ok := h.Next()
	require.False(t, ok)
	require.True(t, w.Empty())
	require.NoError(t, h.Err())

	// Cached results stay readable.
	require.Equal(t, src.ids[1], w.Get(1).UnwrapOr(""))

	// Terminating again is a no-op.
	h.Terminate()
}

// TestBackpressure starts a search nobody reads and checks the worker
// stalls once the channel is full.
func TestBackpressure(t *testing.T) {
	t.Parallel()

	const capacity = 4

	src := newFakeSource(1000)
	var transformed atomic.Int32
	p := NewPipeline[string](src, WithBufferSize(capacity))

	h := p.StartSearch(context.Background(), Request{Query: "*"},
		func(_ context.Context, id string) (string, error) {
			transformed.Add(1)
			return id, nil
		},
	)
	defer h.Terminate()

	// The worker fills the channel and holds one more result.
	require.Eventually(t, func() bool {
		return transformed.Load() == capacity+1
	}, 5*time.Second, 5*time.Millisecond)

	require.Never(t, func() bool {
		return transformed.Load() > capacity+1
	}, 200*time.Millisecond, 10*time.Millisecond)
	require.LessOrEqual(t, src.produced.Load(), int32(capacity+1))
	require.Equal(t, 1, p.Active())
}

func TestSourceErrorMarksExhausted(t *testing.T) {
	t.Parallel()

	src := newFakeSource(10)
	src.failAt = 2
	src.err = errSource

	p := NewPipeline[string](src)
	h := p.StartSearch(context.Background(), Request{Query: "*"}, ThreadIDs)
	w := NewWalker(h, false)

	require.True(t, w.Get(1).IsSome())
	require.True(t, w.Get(2).IsNone())
	require.True(t, w.Empty())
	require.ErrorIs(t, w.Err(), errSource)
	require.Equal(t, 2, w.Len())
}

func TestTransformErrorMarksExhausted(t *testing.T) {
	t.Parallel()

	src := newFakeSource(10)
	p := NewPipeline[int](src)

	h := p.StartSearch(context.Background(), Request{Query: "*"},
		func(_ context.Context, id string) (int, error) {
			if id == "t001" {
				return 0, errSource
			}
			return len(id), nil
		},
	)

	_, ok := h.Next()
	require.True(t, ok)
	_, ok = h.Next()
	require.False(t, ok)

	waitDone(t, h)
	require.ErrorIs(t, h.Err(), errSource)
	require.Contains(t, h.Err().Error(), "t001")
}

func TestCancelParentContext(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1000)
	p := NewPipeline[string](src, WithBufferSize(1))

	ctx, cancel := context.WithCancel(context.Background())
	h := p.StartSearch(ctx, Request{Query: "*"}, ThreadIDs)
	_, ok := h.Next()
	require.True(t, ok)

	cancel()
	waitDone(t, h)

	// The consumer sees the results end early and learns why.
	for {
		if _, ok := h.Next(); !ok {
			break
		}
	}
	require.ErrorIs(t, h.Err(), context.Canceled)
	require.Less(t, int(src.produced.Load()), len(src.ids))

	// Terminating a canceled handle keeps the reason.
	h.Terminate()
	require.ErrorIs(t, h.Err(), context.Canceled)
}

func TestWalkerReportsDeadline(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1000)
	p := NewPipeline[string](src, WithBufferSize(1))

	ctx, cancel := context.WithTimeout(
		context.Background(), 50*time.Millisecond,
	)
	defer cancel()

	h := p.StartSearch(ctx, Request{Query: "*"}, ThreadIDs)
	w := NewWalker(h, false)
	defer w.Close()

	require.Equal(t, src.ids[0], w.Get(0).UnwrapOr(""))

	// The walker stops reading once the deadline passes.
	waitDone(t, h)
	require.True(t, w.Get(len(src.ids)).IsNone())
	require.True(t, w.Empty())
	require.ErrorIs(t, w.Err(), context.DeadlineExceeded)
}

func TestTerminateAll(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1000)
	p := NewPipeline[string](src, WithBufferSize(2))

	var handles []*Handle[string]
	for i := range 3 {
		handles = append(handles, p.StartSearch(
			context.Background(),
			Request{Query: fmt.Sprintf("tag:t%d", i)}, ThreadIDs,
		))
	}
	require.Eventually(t, func() bool {
		return src.produced.Load() >= 3
	}, 5*time.Second, 5*time.Millisecond)

	p.TerminateAll()
	require.Zero(t, p.Active())

	for _, h := range handles {
		waitDone(t, h)
		_, ok := h.Next()
		require.False(t, ok)
	}
}

func TestExcludePassedThrough(t *testing.T) {
	t.Parallel()

	src := newFakeSource(1)
	p := NewPipeline[string](src)

	h := p.StartSearch(context.Background(), Request{
		Query: "*", Exclude: []string{"spam"},
	}, ThreadIDs)
	waitDone(t, h)

	require.Equal(t, []string{"spam"}, src.lastExclude.Load())
}
