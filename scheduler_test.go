package director

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerPriorityOrdering(t *testing.T) {
	stop := make(chan struct{})
	defer close(stop)

	t.Run("higher priority pops first regardless of push order", func(t *testing.T) {
		scheduler := NewScheduler()
		scheduler.Push("low", PriorityLow)
		scheduler.Push("critical", PriorityCritical)
		scheduler.Push("normal", PriorityNormal)

		for _, want := range []string{"critical", "normal", "low"} {
			id, ok := scheduler.Pop(time.Second, stop)
			require.True(t, ok)
			require.Equal(t, want, id)
		}
	})

	t.Run("equal priority preserves FIFO", func(t *testing.T) {
		scheduler := NewScheduler()
		scheduler.Push("first", PriorityNormal)
		scheduler.Push("second", PriorityNormal)
		scheduler.Push("third", PriorityNormal)

		for _, want := range []string{"first", "second", "third"} {
			id, ok := scheduler.Pop(time.Second, stop)
			require.True(t, ok)
			require.Equal(t, want, id)
		}
	})
}

func TestSchedulerPopTimesOut(t *testing.T) {
	scheduler := NewScheduler()
	stop := make(chan struct{})
	defer close(stop)

	start := time.Now()
	_, ok := scheduler.Pop(50*time.Millisecond, stop)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSchedulerPopObservesStop(t *testing.T) {
	scheduler := NewScheduler()
	stop := make(chan struct{})

	done := make(chan bool, 1)
	go func() {
		_, ok := scheduler.Pop(time.Minute, stop)
		done <- ok
	}()
	close(stop)

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("pop did not observe stop")
	}
}

func TestSchedulerWakesBlockedPop(t *testing.T) {
	scheduler := NewScheduler()
	stop := make(chan struct{})
	defer close(stop)

	done := make(chan string, 1)
	go func() {
		id, _ := scheduler.Pop(5*time.Second, stop)
		done <- id
	}()

	time.Sleep(20 * time.Millisecond)
	scheduler.Push("woken", PriorityNormal)

	select {
	case id := <-done:
		require.Equal(t, "woken", id)
	case <-time.After(time.Second):
		t.Fatal("push did not wake blocked pop")
	}
}
