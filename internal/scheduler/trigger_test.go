package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTriggerRunsOnce(t *testing.T) {
	t.Parallel()

	var runs atomic.Int64
	trigger := NewTrigger(context.Background(), func(context.Context) {
		runs.Add(1)
	})

	trigger.TriggerOrRerun()
	trigger.Wait()

	require.EqualValues(t, 1, runs.Load())
	require.False(t, trigger.Busy())
}

func TestTriggerCoalescesSignalsDuringRun(t *testing.T) {
	t.Parallel()

	var runs atomic.Int64
	entered := make(chan struct{})
	release := make(chan struct{})
	trigger := NewTrigger(context.Background(), func(context.Context) {
		if runs.Add(1) == 1 {
			close(entered)
			<-release
		}
	})

	trigger.TriggerOrRerun()
	<-entered
	require.True(t, trigger.Busy())

	// Any number of signals while a run is in flight collapse into one rerun.
	trigger.TriggerOrRerun()
	trigger.TriggerOrRerun()
	trigger.TriggerOrRerun()
	close(release)
	trigger.Wait()

	require.EqualValues(t, 2, runs.Load())
}

func TestTriggerRunsAgainAfterCompletion(t *testing.T) {
	t.Parallel()

	var runs atomic.Int64
	trigger := NewTrigger(context.Background(), func(context.Context) {
		runs.Add(1)
	})

	trigger.TriggerOrRerun()
	trigger.Wait()
	trigger.TriggerOrRerun()
	trigger.Wait()

	require.EqualValues(t, 2, runs.Load())
}

func TestTriggerSkipsRerunWhenContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int64
	entered := make(chan struct{})
	release := make(chan struct{})
	trigger := NewTrigger(ctx, func(context.Context) {
		runs.Add(1)
		close(entered)
		<-release
	})

	trigger.TriggerOrRerun()
	<-entered
	trigger.TriggerOrRerun()
	cancel()
	close(release)
	trigger.Wait()

	require.EqualValues(t, 1, runs.Load())
	require.Eventually(t, func() bool { return !trigger.Busy() }, time.Second, 10*time.Millisecond)
}
