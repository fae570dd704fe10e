package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(2, time.Minute).WithClock(func() time.Time { return now })

	ok, reset := l.Allow("alice")
	assert.True(t, ok)
	assert.Equal(t, now.Add(time.Minute), reset)
	ok, _ = l.Allow("alice")
	assert.True(t, ok)
	ok, _ = l.Allow("alice")
	assert.False(t, ok)
	assert.Equal(t, 0, l.Remaining("alice"))

	ok, _ = l.Allow("bob")
	assert.True(t, ok, "keys are independent")

	now = now.Add(time.Minute)
	ok, _ = l.Allow("alice")
	assert.True(t, ok)
	assert.Equal(t, 1, l.Remaining("alice"))
}

func TestSweepEvictsExpired(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(5, time.Second).WithClock(func() time.Time { return now })
	l.Allow("a")
	now = now.Add(500 * time.Millisecond)
	l.Allow("b")
	now = now.Add(600 * time.Millisecond)

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())
}

func TestDisabled(t *testing.T) {
	l := New(0, time.Second)
	for i := 0; i < 100; i++ {
		ok, _ := l.Allow("x")
		require.True(t, ok)
	}
	assert.Zero(t, l.Len())
}

func TestCloseStopsRun(t *testing.T) {
	l := New(1, 10*time.Millisecond)
	go l.Run(context.Background())
	l.Allow("a")
	l.Close()
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.Zero(t, l.Len())
}
