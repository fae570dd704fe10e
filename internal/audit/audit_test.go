package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{}

func (failingSink) Send(context.Context, Record) error { return errors.New("down") }

func TestLogStampsAndDelivers(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mem := NewMemorySink(10)
	l := New([]Sink{failingSink{}, mem}, WithClock(func() time.Time { return now }))

	l.Record(context.Background(), Record{Action: ActionCommandExecuted, Category: CategoryConsole, UserID: "u1", Details: map[string]any{"command": "say hi"}})
	l.Record(context.Background(), Record{Action: ActionServerCrash, Category: CategoryServer})
	require.NoError(t, l.Close())

	got, err := mem.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ActionServerCrash, got[0].Action)
	assert.Equal(t, SystemUser, got[0].UserID)
	assert.Equal(t, "u1", got[1].UserID)
	assert.Equal(t, now, got[1].Timestamp)
	assert.NotEmpty(t, got[1].ID)

	// records after close are dropped without panicking
	l.Record(context.Background(), Record{Action: ActionServerStart})
	assert.NoError(t, l.Close())
}

type stuckSink struct{ release chan struct{} }

func (s stuckSink) Send(ctx context.Context, _ Record) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestStalledSinkDoesNotStarveStore(t *testing.T) {
	stuck := stuckSink{release: make(chan struct{})}
	mem := NewMemorySink(100)
	l := New([]Sink{stuck, mem}, WithQueueSize(4))

	// well past the stuck sink's queue, the store still sees every record
	for i := 1; i <= 50; i++ {
		l.Record(context.Background(), Record{Action: ActionCommandExecuted, Category: CategoryConsole})
		require.Eventually(t, func() bool {
			got, _ := mem.List(context.Background(), Query{})
			return len(got) == i
		}, time.Second, time.Millisecond)
	}

	close(stuck.release)
	require.NoError(t, l.Close())
}

func TestMemorySinkBoundAndFilter(t *testing.T) {
	m := NewMemorySink(3)
	for i, a := range []string{ActionServerStart, ActionServerStop, ActionServerStart, ActionBackupCreated} {
		cat := CategoryServer
		if a == ActionBackupCreated {
			cat = CategoryBackup
		}
		require.NoError(t, m.Send(context.Background(), Record{ID: string(rune('a' + i)), Action: a, Category: cat}))
	}
	all, _ := m.List(context.Background(), Query{})
	assert.Len(t, all, 3)

	srv, _ := m.List(context.Background(), Query{Category: CategoryServer})
	require.Len(t, srv, 2)
	assert.Equal(t, "c", srv[0].ID)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "audit.db"))
	require.NoError(t, err)
	defer s.Close()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	recs := []Record{
		{ID: "1", Action: ActionServerStart, Category: CategoryServer, UserID: "alice", Timestamp: base},
		{ID: "2", Action: ActionCommandExecuted, Category: CategoryConsole, UserID: "bob", Timestamp: base.Add(time.Minute), Details: map[string]any{"command": "op bob"}},
		{ID: "3", Action: ActionServerStop, Category: CategoryServer, UserID: "alice", Timestamp: base.Add(2 * time.Minute)},
	}
	for _, r := range recs {
		require.NoError(t, s.Send(context.Background(), r))
	}

	all, err := s.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "3", all[0].ID)
	assert.Equal(t, "op bob", all[1].Details["command"])
	assert.True(t, all[1].Timestamp.Equal(base.Add(time.Minute)))

	srv, err := s.List(context.Background(), Query{Category: CategoryServer, Limit: 1})
	require.NoError(t, err)
	require.Len(t, srv, 1)
	assert.Equal(t, "3", srv[0].ID)

	since, err := s.List(context.Background(), Query{Since: base.Add(30 * time.Second), UserID: "bob"})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "2", since[0].ID)

	assert.Error(t, s.Send(context.Background(), recs[0]), "duplicate id")
}

func TestWebhookSink(t *testing.T) {
	var mu sync.Mutex
	var got []Record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var rec Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, rec)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ok := NewWebhookSink(srv.URL, "secret")
	require.NoError(t, ok.Send(context.Background(), Record{ID: "x", Action: ActionBackupCreated}))
	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, ActionBackupCreated, got[0].Action)
	mu.Unlock()

	bad := NewWebhookSink(srv.URL, "wrong")
	assert.Error(t, bad.Send(context.Background(), Record{ID: "y"}))
}

func TestBrokerSinksRequireTopic(t *testing.T) {
	_, err := NewNATSSink("nats://127.0.0.1:4222", "")
	assert.Error(t, err)
	_, err = NewMQTTSink("tcp://127.0.0.1:1883", "test", "")
	assert.Error(t, err)
}
