package writequeue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agenr/internal/entry"
)

type fakeReconciler struct {
	mu    sync.Mutex
	calls int
	seen  []Entry
	err   error
	delay time.Duration
}

func (f *fakeReconciler) ApplyBatch(ctx context.Context, items []Entry) (BatchOutcome, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls++
	f.seen = append(f.seen, items...)
	f.mu.Unlock()
	if f.err != nil {
		return BatchOutcome{}, f.err
	}
	return BatchOutcome{Added: len(items)}, nil
}

func testEntry(source string) Entry {
	return Entry{Item: &entry.Entry{Content: "x"}, SourceFile: source, ContentHash: "h"}
}

func TestPushFlushesOnBatchSize(t *testing.T) {
	rec := &fakeReconciler{}
	q := New(Config{BatchSize: 2, IdleFlush: time.Hour, HighWatermark: 10}, rec)
	defer q.Destroy()

	outcome, err := q.Push(context.Background(), []Entry{testEntry("a"), testEntry("a")})
	require.NoError(t, err)
	require.Equal(t, 2, outcome.Added)
}

func TestPushFlushesOnIdleTimer(t *testing.T) {
	rec := &fakeReconciler{}
	q := New(Config{BatchSize: 100, IdleFlush: 20 * time.Millisecond, HighWatermark: 10}, rec)
	defer q.Destroy()

	outcome, err := q.Push(context.Background(), []Entry{testEntry("a")})
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Added)
}

func TestPushBackpressureTimesOut(t *testing.T) {
	rec := &fakeReconciler{delay: 200 * time.Millisecond}
	q := New(Config{BatchSize: 1, IdleFlush: time.Hour, HighWatermark: 1, BackpressureTimeout: 20 * time.Millisecond}, rec)
	defer q.Destroy()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Push(context.Background(), []Entry{testEntry("a")})
	}()
	time.Sleep(10 * time.Millisecond) // let the first push occupy the only slot

	_, err := q.Push(context.Background(), []Entry{testEntry("b")})
	require.Error(t, err)
	wg.Wait()
}

func TestCancelDropsPendingEntriesForSource(t *testing.T) {
	rec := &fakeReconciler{}
	q := New(Config{BatchSize: 100, IdleFlush: time.Hour, HighWatermark: 10}, rec)
	defer q.Destroy()

	done := make(chan error, 1)
	go func() {
		_, err := q.Push(context.Background(), []Entry{testEntry("cancel-me")})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	q.Cancel("cancel-me")

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("push did not return after cancel")
	}
}

func TestRunExclusiveBlocksFlush(t *testing.T) {
	rec := &fakeReconciler{}
	q := New(Config{BatchSize: 1, IdleFlush: time.Hour, HighWatermark: 10}, rec)
	defer q.Destroy()

	var ran bool
	pushed := make(chan error, 1)
	err := q.RunExclusive(context.Background(), func(ctx context.Context) error {
		ran = true
		go func() {
			_, err := q.Push(context.Background(), []Entry{testEntry("a")})
			pushed <- err
		}()
		time.Sleep(50 * time.Millisecond) // give the flush goroutine time to reach the exclusive lock
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.calls != 0 {
			return fmt.Errorf("batch flushed while the exclusive section was held")
		}
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
	require.NoError(t, <-pushed)
	require.Equal(t, 1, rec.calls)
}

func TestDrainWaitsForPendingWork(t *testing.T) {
	rec := &fakeReconciler{}
	q := New(Config{BatchSize: 1, IdleFlush: 5 * time.Millisecond, HighWatermark: 10}, rec)
	defer q.Destroy()

	_, err := q.Push(context.Background(), []Entry{testEntry("a")})
	require.NoError(t, err)
	q.Drain()
	require.Equal(t, 1, rec.calls)
}
