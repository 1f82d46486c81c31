package wakeup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWait_WakesOnNotify(t *testing.T) {
	b := New("")
	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Notify()
	}()

	woken := b.Wait(context.Background(), time.Second)
	assert.True(t, woken)
}

func TestWait_TimesOutWithNoNotify(t *testing.T) {
	b := New("")
	woken := b.Wait(context.Background(), 10*time.Millisecond)
	assert.False(t, woken)
}

func TestNotify_CoalescesMultiplePendingIntoOneWake(t *testing.T) {
	b := New("")
	b.Notify()
	b.Notify()
	b.Notify()

	assert.True(t, b.Wait(context.Background(), time.Second))
	// The event is level-reset after the first wait consumes it.
	assert.False(t, b.Wait(context.Background(), 10*time.Millisecond))
}

func TestWait_RespectsContextCancellation(t *testing.T) {
	b := New("")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	woken := b.Wait(ctx, time.Second)
	assert.False(t, woken)
}

func TestNotify_DropsSignalFileWhenConfigured(t *testing.T) {
	dir := t.TempDir() + "/task_signals"
	b := New(dir)
	b.Notify()
	// The signal file is best-effort and removed immediately after write;
	// the directory's existence is the only durable evidence.
	_, err := os.Stat(dir)
	assert.NoError(t, err)
}
