// Package scheduler runs configured server actions at a daily clock time or
// once at a fixed instant.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// User is the audit identity of scheduled actions.
const User = "scheduler"

type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionBackup  Action = "backup"
	ActionCommand Action = "command"
)

var ErrInvalidItem = errors.New("invalid schedule item")

// Item is one configured schedule. At is "HH:MM" (daily, local time) or an
// RFC3339 instant (once).
type Item struct {
	Name    string `json:"name" toml:"name" yaml:"name"`
	Action  Action `json:"action" toml:"action" yaml:"action"`
	At      string `json:"at" toml:"at" yaml:"at"`
	Command string `json:"command,omitempty" toml:"command" yaml:"command"`
}

// Target performs scheduled actions.
type Target interface {
	Start(ctx context.Context, user string) error
	Stop(ctx context.Context, user string) error
	Restart(ctx context.Context, user string) error
	Backup(ctx context.Context, user string) error
	Command(ctx context.Context, user, line string) error
}

type entry struct {
	Item
	daily   bool
	h, m    int
	once    time.Time
	nextRun time.Time
}

// Entry is the externally visible view of a schedule.
type Entry struct {
	Item
	NextRun time.Time `json:"nextRun"`
}

// parse checks an item and computes its first run after now.
func parse(it Item, now time.Time) (*entry, error) {
	switch it.Action {
	case ActionStart, ActionStop, ActionRestart, ActionBackup:
	case ActionCommand:
		if strings.TrimSpace(it.Command) == "" {
			return nil, fmt.Errorf("%w: %q: command action needs a command", ErrInvalidItem, it.Name)
		}
	default:
		return nil, fmt.Errorf("%w: %q: unknown action %q", ErrInvalidItem, it.Name, it.Action)
	}
	e := &entry{Item: it}
	if h, m, ok := parseClock(it.At); ok {
		e.daily, e.h, e.m = true, h, m
		e.nextRun = nextRunFromClock(h, m, now)
		return e, nil
	}
	t, err := time.Parse(time.RFC3339, it.At)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: at must be HH:MM or RFC3339", ErrInvalidItem, it.Name)
	}
	e.once, e.nextRun = t, t
	return e, nil
}

// Validate reports the first invalid item.
func Validate(items []Item) error {
	for _, it := range items {
		if _, err := parse(it, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

func parseClock(s string) (int, int, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) != 2 {
		return 0, 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

func nextRunFromClock(h, m int, now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Scheduler fires due items. One-shot items whose instant has passed at
// construction are dropped.
type Scheduler struct {
	target Target
	now    func() time.Time

	mu      sync.Mutex
	entries []*entry
	wg      sync.WaitGroup
}

func New(items []Item, target Target, now func() time.Time) (*Scheduler, error) {
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{target: target, now: now}
	t := now()
	for _, it := range items {
		e, err := parse(it, t)
		if err != nil {
			return nil, err
		}
		if !e.daily && !e.once.After(t) {
			log.Warn().Str("schedule", it.Name).Str("at", it.At).Msg("one-shot schedule already past, skipping")
			continue
		}
		s.entries = append(s.entries, e)
	}
	return s, nil
}

// List returns schedules with their next run.
func (s *Scheduler) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Entry{Item: e.Item, NextRun: e.nextRun})
	}
	return out
}

// RunDue dispatches every item due at now and returns how many fired.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	var due []Item
	kept := s.entries[:0]
	for _, e := range s.entries {
		if now.Before(e.nextRun) {
			kept = append(kept, e)
			continue
		}
		due = append(due, e.Item)
		if e.daily {
			e.nextRun = nextRunFromClock(e.h, e.m, now)
			kept = append(kept, e)
		}
	}
	s.entries = kept
	s.mu.Unlock()

	for _, it := range due {
		s.wg.Add(1)
		go func(it Item) {
			defer s.wg.Done()
			s.dispatch(ctx, it)
		}(it)
	}
	return len(due)
}

func (s *Scheduler) dispatch(ctx context.Context, it Item) {
	var err error
	switch it.Action {
	case ActionStart:
		err = s.target.Start(ctx, User)
	case ActionStop:
		err = s.target.Stop(ctx, User)
	case ActionRestart:
		err = s.target.Restart(ctx, User)
	case ActionBackup:
		err = s.target.Backup(ctx, User)
	case ActionCommand:
		err = s.target.Command(ctx, User, it.Command)
	}
	if err != nil {
		log.Error().Err(err).Str("schedule", it.Name).Str("action", string(it.Action)).Msg("scheduled action failed")
		return
	}
	log.Info().Str("schedule", it.Name).Str("action", string(it.Action)).Msg("scheduled action done")
}

// Run checks for due items every interval until ctx is done, then waits for
// dispatched actions.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// Wait blocks until dispatched actions finish.
func (s *Scheduler) Wait() { s.wg.Wait() }
