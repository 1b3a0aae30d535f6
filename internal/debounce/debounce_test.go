package debounce

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

const quietPeriod = 30 * time.Second

func newTestDebouncer(t *testing.T, action func()) (*Debouncer, *testingclock.FakeClock) {
	t.Helper()
	fakeClock := testingclock.NewFakeClock(time.Now())
	return New(quietPeriod, action, WithClock(fakeClock), WithName("test")), fakeClock
}

func TestDebouncer_FiresOnceAfterQuietPeriod(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d, fakeClock := newTestDebouncer(t, func() { calls.Add(1) })

	d.Trigger()
	require.True(t, d.Pending())
	require.True(t, fakeClock.HasWaiters())

	fakeClock.Step(quietPeriod - time.Second)
	assert.Never(t, func() bool { return calls.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	fakeClock.Step(time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, d.Pending())

	// Time passing without another trigger must not fire again
	fakeClock.Step(quietPeriod * 3)
	assert.Never(t, func() bool { return calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestDebouncer_BurstCollapsesToSingleCall(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d, fakeClock := newTestDebouncer(t, func() { calls.Add(1) })

	for i := 0; i < 5; i++ {
		d.Trigger()
		fakeClock.Step(quietPeriod / 2)
	}
	assert.Never(t, func() bool { return calls.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	fakeClock.Step(quietPeriod / 2)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.False(t, fakeClock.HasWaiters(), "re-armed timers must be released")
}

func TestDebouncer_CallsNeverOverlap(t *testing.T) {
	t.Parallel()

	var (
		calls, active, maxActive atomic.Int32
		gate                     = make(chan struct{})
	)
	d, fakeClock := newTestDebouncer(t, func() {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		if calls.Add(1) == 1 {
			<-gate
		}
	})

	d.Trigger()
	fakeClock.Step(quietPeriod)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Comes due while the first call is blocked
	d.Trigger()
	fakeClock.Step(quietPeriod)
	require.Eventually(t, func() bool { return !fakeClock.HasWaiters() }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	close(gate)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return calls.Load() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestDebouncer_Cancel(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d, fakeClock := newTestDebouncer(t, func() { calls.Add(1) })

	assert.False(t, d.Cancel(), "nothing pending yet")

	d.Trigger()
	assert.True(t, d.Cancel())
	assert.False(t, d.Pending())

	fakeClock.Step(quietPeriod * 2)
	assert.Never(t, func() bool { return calls.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestDebouncer_Flush(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d, fakeClock := newTestDebouncer(t, func() { calls.Add(1) })

	assert.False(t, d.Flush())
	assert.Equal(t, int32(0), calls.Load())

	d.Trigger()
	assert.True(t, d.Flush())
	assert.Equal(t, int32(1), calls.Load())

	fakeClock.Step(quietPeriod)
	assert.Never(t, func() bool { return calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestDebouncer_PanickingActionIsContained(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d, fakeClock := newTestDebouncer(t, func() {
		calls.Add(1)
		panic("boom")
	})

	d.Trigger()
	fakeClock.Step(quietPeriod)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	d.Trigger()
	fakeClock.Step(quietPeriod)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}
