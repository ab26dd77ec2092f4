package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	"github.com/drblury/tbflow/rangelock"
)

func collect(t *testing.T, ring *Ring[int], begin, n int64) (int64, []int) {
	t.Helper()
	var (
		first int64 = -1
		got   []int
	)
	err := ring.Read(context.Background(), begin, n, func(start int64, chunk []int) error {
		if first < 0 {
			first = start
		}
		got = append(got, chunk...)
		return nil
	})
	require.NoError(t, err)
	return first, got
}

func TestWriteThenRead(t *testing.T) {
	ring, err := New[int]("ring", 4)
	require.NoError(t, err)
	ctx := context.Background()

	granted, err := ring.Write(ctx, 10, []int{1, 2, 3})
	require.NoError(t, err)
	assert.EqualValues(t, 10, granted)

	start, got := collect(t, ring, 10, 3)
	assert.EqualValues(t, 10, start)
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestReadAcrossSlotWrap(t *testing.T) {
	ring, err := New[int]("ring", 4)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = ring.Write(ctx, 2, []int{7, 8, 9})
	require.NoError(t, err)

	var chunks [][]int
	err = ring.Read(ctx, Earliest, 3, func(_ int64, chunk []int) error {
		chunks = append(chunks, append([]int(nil), chunk...))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{7, 8}, {9}}, chunks)
}

func TestGapIsZeroFilled(t *testing.T) {
	ring, err := New[int]("ring", 8)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = ring.Write(ctx, 0, []int{1, 2})
	require.NoError(t, err)
	granted, err := ring.Write(ctx, 4, []int{5, 6})
	require.NoError(t, err)
	assert.EqualValues(t, 2, granted)

	_, got := collect(t, ring, 0, 6)
	assert.Equal(t, []int{1, 2, 0, 0, 5, 6}, got)
}

func TestOverlapSkipsPublishedPrefix(t *testing.T) {
	ring, err := New[int]("ring", 8)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = ring.Write(ctx, 0, []int{1, 2, 3})
	require.NoError(t, err)
	granted, err := ring.Write(ctx, 1, []int{20, 30, 4})
	require.NoError(t, err)
	assert.EqualValues(t, 3, granted)

	_, got := collect(t, ring, 0, 4)
	assert.Equal(t, []int{1, 2, 3, 4}, got)
}

func TestProducerConsumerBackPressure(t *testing.T) {
	ring, err := New[int]("ring", 4)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const total = 64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i += 2 {
			_, err := ring.Write(ctx, int64(i), []int{i, i + 1})
			if !assert.NoError(t, err) {
				return
			}
		}
	}()

	var got []int
	for len(got) < total {
		err := ring.Read(ctx, int64(len(got)), 2, func(_ int64, chunk []int) error {
			got = append(got, chunk...)
			return nil
		})
		require.NoError(t, err)
	}
	wg.Wait()

	for i, v := range got {
		require.Equal(t, i, v)
	}
	assert.Zero(t, ring.Lock().Drops())
}

func TestLossyRing(t *testing.T) {
	ring, err := New[int]("ring", 4, rangelock.WithOverwrite[int64](true))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 8; i += 2 {
		_, err := ring.Write(ctx, int64(i), []int{i, i + 1})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 4, ring.Lock().Drops())

	start, got := collect(t, ring, Earliest, 4)
	assert.EqualValues(t, 4, start)
	assert.Equal(t, []int{4, 5, 6, 7}, got)
}

func TestCallbackErrorStillConsumes(t *testing.T) {
	ring, err := New[int]("ring", 4)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = ring.Write(ctx, 0, []int{1, 2})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = ring.Read(ctx, 0, 2, func(int64, []int) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, ring.Lock().Available())
}

func TestRejectsBadRequests(t *testing.T) {
	_, err := New[int]("ring", 0)
	assert.ErrorIs(t, err, errspkg.ErrCapacityExceeded)

	ring, err := New[int]("ring", 2)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = ring.Write(ctx, 0, []int{1, 2, 3})
	assert.ErrorIs(t, err, errspkg.ErrCapacityExceeded)
	_, err = ring.Write(ctx, -5, []int{1})
	assert.ErrorIs(t, err, errspkg.ErrCapacityExceeded)
	err = ring.Read(ctx, 0, 3, func(int64, []int) error { return nil })
	assert.ErrorIs(t, err, errspkg.ErrCapacityExceeded)
}

func TestClearAbortsReader(t *testing.T) {
	ring, err := New[int]("ring", 4)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		errs <- ring.Read(context.Background(), 0, 1, func(int64, []int) error { return nil })
	}()
	require.Eventually(t, func() bool { return ring.Lock().Stats().ReadWaits == 1 }, time.Second, time.Millisecond)

	ring.Clear()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, errspkg.ErrAborted)
	case <-time.After(time.Second):
		t.Fatal("reader not aborted")
	}
}
