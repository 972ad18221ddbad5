package transfer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTrackerSpeedAndETA(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(1700000000, 0)
	tr := New()
	tr.Observe(100, 1000, t0)

	st := tr.State()
	require.Zero(t, st.SpeedBytesPerSec)
	require.Nil(t, st.ETASeconds)

	tr.Observe(600, 1000, t0.Add(1000*time.Millisecond))
	st = tr.State()
	require.InDelta(t, 500, st.SpeedBytesPerSec, 1e-9)
	require.NotNil(t, st.ETASeconds)
	require.Equal(t, int64(1), *st.ETASeconds)
	require.Equal(t, 60, st.Percent())
}

func TestTrackerZeroDeltaKeepsPreviousValues(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(1700000000, 0)
	tr := New()
	tr.Observe(100, 1000, t0)
	tr.Observe(600, 1000, t0.Add(time.Second))
	tr.Observe(600, 1000, t0.Add(3*time.Second))

	st := tr.State()
	require.InDelta(t, 500, st.SpeedBytesPerSec, 1e-9)
	require.Equal(t, int64(1), *st.ETASeconds)
	require.Equal(t, int64(600), st.BytesSent)

	// The stalled sample does not move the baseline: 400 bytes over 4s.
	tr.Observe(1000, 1000, t0.Add(5*time.Second))
	st = tr.State()
	require.InDelta(t, 100, st.SpeedBytesPerSec, 1e-9)
	require.Equal(t, int64(0), *st.ETASeconds)
}

func TestTrackerStallAveragesOverGap(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(1700000000, 0)
	tr := New()
	tr.Observe(100, 2000, t0)
	tr.Observe(600, 2000, t0.Add(time.Second))
	tr.Observe(600, 2000, t0.Add(3*time.Second))
	tr.Observe(1000, 2000, t0.Add(5*time.Second))

	// The stalled sample does not move the baseline, so 400 bytes span 4s.
	st := tr.State()
	require.InDelta(t, 100, st.SpeedBytesPerSec, 1e-9)
	require.NotNil(t, st.ETASeconds)
	require.Equal(t, int64(10), *st.ETASeconds)
	require.Equal(t, t0.Add(5*time.Second), st.LastTimestamp)
}

func TestTrackerNegativeDeltaIgnored(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(0, 0)
	tr := New()
	tr.Observe(500, 1000, t0)
	tr.Observe(700, 1000, t0.Add(time.Second))
	tr.Observe(300, 1000, t0.Add(2*time.Second))

	st := tr.State()
	require.InDelta(t, 200, st.SpeedBytesPerSec, 1e-9)
	require.Equal(t, int64(2), *st.ETASeconds)
}

func TestTrackerMinimumElapsed(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(0, 0)
	tr := New()
	tr.Observe(0, 10000, t0)
	tr.Observe(10, 10000, t0)

	st := tr.State()
	require.InDelta(t, 10000, st.SpeedBytesPerSec, 1e-6)
	require.Equal(t, int64(1), *st.ETASeconds)
}

func TestTrackerUnknownTotalLeavesETA(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(0, 0)
	tr := New()
	tr.Observe(0, 0, t0)
	tr.Observe(2048, 0, t0.Add(2*time.Second))

	st := tr.State()
	require.InDelta(t, 1024, st.SpeedBytesPerSec, 1e-9)
	require.Nil(t, st.ETASeconds)
	require.Equal(t, 0, st.Percent())
}

func TestTrackerReset(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(0, 0)
	tr := New()
	tr.Observe(0, 100, t0)
	tr.Observe(50, 100, t0.Add(time.Second))
	tr.Reset()

	require.Equal(t, State{}, tr.State())

	tr.Observe(10, 100, t0.Add(2*time.Second))
	st := tr.State()
	require.Zero(t, st.SpeedBytesPerSec)
	require.Equal(t, int64(10), st.LastBytes)
}

func TestTrackerStateIsCopy(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(0, 0)
	tr := New()
	tr.Observe(0, 100, t0)
	tr.Observe(50, 100, t0.Add(time.Second))

	st := tr.State()
	*st.ETASeconds = 999
	require.Equal(t, int64(1), *tr.State().ETASeconds)
}

func TestTrackerConcurrentObserve(t *testing.T) {
	t.Parallel()

	tr := New()
	t0 := time.Unix(0, 0)
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tr.Observe(int64(n*10), 1000, t0.Add(time.Duration(n)*time.Millisecond))
			_ = tr.State()
		}(i)
	}
	wg.Wait()
	require.LessOrEqual(t, tr.State().BytesSent, int64(500))
}
