package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) error {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Start(_ context.Context, user string) error   { return r.add("start:" + user) }
func (r *recorder) Stop(_ context.Context, user string) error    { return r.add("stop:" + user) }
func (r *recorder) Restart(_ context.Context, user string) error { return r.add("restart:" + user) }
func (r *recorder) Backup(_ context.Context, user string) error  { return r.add("backup:" + user) }
func (r *recorder) Command(_ context.Context, user, line string) error {
	return r.add("command:" + user + ":" + line)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestDailyFiresOncePerDay(t *testing.T) {
	now := time.Date(2024, 6, 1, 3, 59, 0, 0, time.UTC)
	rec := &recorder{}
	s, err := New([]Item{{Name: "nightly", Action: ActionRestart, At: "04:00"}}, rec, func() time.Time { return now })
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 1, 4, 0, 0, 0, time.UTC), s.List()[0].NextRun)

	assert.Zero(t, s.RunDue(context.Background()))
	now = now.Add(time.Minute)
	assert.Equal(t, 1, s.RunDue(context.Background()))
	assert.Zero(t, s.RunDue(context.Background()))
	s.Wait()

	assert.Equal(t, []string{"restart:scheduler"}, rec.list())
	assert.Equal(t, time.Date(2024, 6, 2, 4, 0, 0, 0, time.UTC), s.List()[0].NextRun)
}

func TestOneShotRemovedAfterFiring(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	rec := &recorder{}
	s, err := New([]Item{
		{Name: "announce", Action: ActionCommand, At: "2024-06-01T10:05:00Z", Command: "say hi"},
		{Name: "old", Action: ActionBackup, At: "2024-05-01T00:00:00Z"},
	}, rec, func() time.Time { return now })
	require.NoError(t, err)
	require.Len(t, s.List(), 1)

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 1, s.RunDue(context.Background()))
	s.Wait()
	assert.Empty(t, s.List())
	assert.Equal(t, []string{"command:scheduler:say hi"}, rec.list())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]Item{{Name: "a", Action: ActionStop, At: "23:59"}}))
	for _, it := range []Item{
		{Name: "bad clock", Action: ActionStop, At: "24:00"},
		{Name: "bad minute", Action: ActionStop, At: "12:7"},
		{Name: "bad action", Action: "explode", At: "12:00"},
		{Name: "no command", Action: ActionCommand, At: "12:00"},
		{Name: "bad time", Action: ActionStart, At: "tomorrow"},
	} {
		assert.ErrorIs(t, Validate([]Item{it}), ErrInvalidItem, it.Name)
	}
}
