// Package audit produces event log records for state-changing operations and
// ships them to one or more sinks.
package audit

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Actions.
const (
	ActionServerStart     = "server_start"
	ActionServerStop      = "server_stop"
	ActionServerRestart   = "server_restart"
	ActionServerKill      = "server_kill"
	ActionServerCrash     = "server_crash"
	ActionCommandExecuted = "command_executed"

	ActionPlayerWhitelisted   = "player_whitelisted"
	ActionPlayerUnwhitelisted = "player_unwhitelisted"
	ActionPlayerBanned        = "player_banned"
	ActionPlayerPardoned      = "player_pardoned"
	ActionPlayerOpped         = "player_opped"
	ActionPlayerDeopped       = "player_deopped"
	ActionPlayerKicked        = "player_kicked"

	ActionPropertiesUpdated = "properties_updated"
	ActionJvmUpdated        = "jvm_updated"

	ActionFileWritten = "file_written"
	ActionFileDeleted = "file_deleted"

	ActionBackupCreated  = "backup_created"
	ActionBackupRestored = "backup_restored"
	ActionBackupDeleted  = "backup_deleted"
)

// Categories.
const (
	CategoryServer  = "server"
	CategoryConsole = "console"
	CategoryPlayers = "players"
	CategoryConfig  = "config"
	CategoryFiles   = "files"
	CategoryBackup  = "backup"
)

// SystemUser attributes records the agent produces on its own.
const SystemUser = "system"

// Record is one event log entry.
type Record struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Category  string         `json:"category"`
	Details   map[string]any `json:"details,omitempty"`
	UserID    string         `json:"userId"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink stores or forwards records. Implementations must be safe for
// concurrent use.
type Sink interface {
	Send(ctx context.Context, r Record) error
}

// Recorder accepts records for delivery.
type Recorder interface {
	Record(ctx context.Context, r Record)
}

// Log stamps records and delivers them to its sinks from background workers,
// so a slow sink never delays the operation being audited. Every sink has its
// own queue: a stalled publisher cannot hold back the store.
type Log struct {
	now         func() time.Time
	sendTimeout time.Duration
	queueSize   int

	mu      sync.RWMutex
	closed  bool
	workers []*worker
	wg      sync.WaitGroup
}

type worker struct {
	sink  Sink
	queue chan Record
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(l *Log) { l.now = now } }

// WithQueueSize sets the per-sink delivery queue length.
func WithQueueSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.queueSize = n
		}
	}
}

// WithSendTimeout bounds a single delivery to one sink.
func WithSendTimeout(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.sendTimeout = d
		}
	}
}

// New starts a Log delivering to sinks.
func New(sinks []Sink, opts ...Option) *Log {
	l := &Log{
		now:         time.Now,
		sendTimeout: 10 * time.Second,
		queueSize:   256,
	}
	for _, o := range opts {
		o(l)
	}
	for _, s := range sinks {
		w := &worker{sink: s, queue: make(chan Record, l.queueSize)}
		l.workers = append(l.workers, w)
		l.wg.Add(1)
		go l.run(w)
	}
	return l
}

// Record fills in ID and timestamp when missing and queues r for every sink.
func (l *Log) Record(_ context.Context, r Record) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = l.now().UTC()
	}
	if r.UserID == "" {
		r.UserID = SystemUser
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		log.Warn().Str("action", r.Action).Msg("audit log closed, dropping record")
		return
	}
	for _, w := range l.workers {
		select {
		case w.queue <- r:
		default:
			log.Warn().Str("action", r.Action).Str("sink", sinkName(w.sink)).Msg("audit queue full, dropping record")
		}
	}
}

func (l *Log) run(w *worker) {
	defer l.wg.Done()
	for r := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), l.sendTimeout)
		if err := w.sink.Send(ctx, r); err != nil {
			log.Error().Err(err).Str("action", r.Action).Str("sink", sinkName(w.sink)).Msg("audit delivery failed")
		}
		cancel()
	}
}

// Close flushes queued records and closes sinks that hold resources.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for _, w := range l.workers {
		close(w.queue)
	}
	l.mu.Unlock()
	l.wg.Wait()

	var first error
	for _, w := range l.workers {
		if c, ok := w.sink.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func sinkName(s Sink) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "sink"
}
