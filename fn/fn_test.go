package fn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMapFilterReduce(t *testing.T) {
	t.Parallel()

	nums := []int{1, 2, 3, 4, 5}

	doubled := Map(nums, func(n int) int { return n * 2 })
	require.Equal(t, []int{2, 4, 6, 8, 10}, doubled)

	even := Filter(nums, func(n int) bool { return n%2 == 0 })
	require.Equal(t, []int{2, 4}, even)

	sum := Reduce(nums, func(accum, n int) int { return accum + n })
	require.Equal(t, 15, sum)

	require.True(t, All(even, func(n int) bool { return n%2 == 0 }))
	require.True(t, Any(nums, func(n int) bool { return n == 3 }))
	require.False(t, Any(nums, func(n int) bool { return n == 9 }))
}

type copyInt int

func (c copyInt) Copy() copyInt {
	return c
}

func TestCopyHelpers(t *testing.T) {
	t.Parallel()

	xs := []copyInt{1, 2, 3}
	require.Equal(t, xs, CopyAll(xs))

	b := []byte{1, 2, 3}
	c := CopySlice(b)
	require.Equal(t, b, c)

	c[0] = 9
	require.Equal(t, byte(1), b[0])

	require.Nil(t, CopySlice(nil))
}

func TestMapErr(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	_, err := MapErr([]int{1, 2, 3}, func(n int) (int, error) {
		if n == 2 {
			return 0, boom
		}

		return n, nil
	})
	require.ErrorIs(t, err, boom)
}

func TestParSlice(t *testing.T) {
	t.Parallel()

	var count atomic.Int32

	nums := make([]int, 100)
	err := ParSlice(
		context.Background(), nums, 0,
		func(context.Context, int) error {
			count.Add(1)
			return nil
		},
	)
	require.NoError(t, err)
	require.Equal(t, int32(100), count.Load())

	// The explicit limit bounds the goroutines in flight.
	var inFlight, peak atomic.Int32
	err = ParSlice(
		context.Background(), nums, 2,
		func(context.Context, int) error {
			now := inFlight.Add(1)
			defer inFlight.Add(-1)

			for {
				seen := peak.Load()
				if now <= seen ||
					peak.CompareAndSwap(seen, now) {

					break
				}
			}
			time.Sleep(time.Millisecond)

			return nil
		},
	)
	require.NoError(t, err)
	require.LessOrEqual(t, peak.Load(), int32(2))

	// The first error cancels the run.
	boom := errors.New("boom")
	err = ParSlice(
		context.Background(), nums, 0,
		func(context.Context, int) error {
			return boom
		},
	)
	require.ErrorIs(t, err, boom)
}

func TestContextGuardQuit(t *testing.T) {
	t.Parallel()

	guard := &ContextGuard{
		DefaultTimeout: time.Hour,
		Quit:           make(chan struct{}),
	}

	ctx, cancel := guard.WithCtxQuitNoTimeout()
	defer cancel()

	close(guard.Quit)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled on quit")
	}
}

func TestContextGuardTimeout(t *testing.T) {
	t.Parallel()

	guard := &ContextGuard{
		DefaultTimeout: 10 * time.Millisecond,
		Quit:           make(chan struct{}),
	}

	ctx, cancel := guard.WithCtxQuit()
	defer cancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled on timeout")
	}
}

func TestRecvOrTimeout(t *testing.T) {
	t.Parallel()

	c := make(chan int, 1)
	c <- 42

	v, err := RecvOrTimeout(c, time.Second)
	require.NoError(t, err)
	require.Equal(t, 42, *v)

	_, err = RecvOrTimeout(c, 10*time.Millisecond)
	require.Error(t, err)
}

func TestRecvResp(t *testing.T) {
	t.Parallel()

	r := make(chan string, 1)
	e := make(chan error, 1)
	q := make(chan struct{})

	r <- "ok"
	v, err := RecvResp(r, e, q)
	require.NoError(t, err)
	require.Equal(t, "ok", v)

	boom := errors.New("boom")
	e <- boom
	_, err = RecvResp(r, e, q)
	require.ErrorIs(t, err, boom)

	close(q)
	_, err = RecvResp(r, e, q)
	require.Error(t, err)
}

func TestSendOrQuit(t *testing.T) {
	t.Parallel()

	c := make(chan int, 1)
	quit := make(chan struct{})

	require.True(t, SendOrQuit(c, 1, quit))

	// The buffer is full and quit fires: the send must give up.
	close(quit)
	require.False(t, SendOrQuit(c, 2, quit))
}
