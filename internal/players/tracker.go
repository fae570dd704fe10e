// Package players derives the online player list from console output.
package players

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/logparse"
)

// PlayerInfo is one online player.
type PlayerInfo struct {
	Name     string     `json:"name"`
	UUID     string     `json:"uuid,omitempty"`
	JoinedAt *time.Time `json:"joinedAt,omitempty"`
}

// Tracker follows join and leave lines. Entries must be observed in console order.
type Tracker struct {
	mu     sync.RWMutex
	online map[string]PlayerInfo
	uuids  map[string]string
}

func NewTracker() *Tracker {
	return &Tracker{online: make(map[string]PlayerInfo), uuids: make(map[string]string)}
}

// Observe updates the tracker from one console entry.
func (t *Tracker) Observe(e logparse.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e.Category {
	case logparse.CategoryJoin:
		at := e.Time
		p := PlayerInfo{Name: e.Player, UUID: t.uuids[e.Player], JoinedAt: &at}
		t.online[e.Player] = p
	case logparse.CategoryLeave:
		delete(t.online, e.Player)
	case logparse.CategorySystem:
		if name, id, ok := logparse.ParseUUID(e.Message); ok {
			t.uuids[name] = id.String()
			if p, ok := t.online[name]; ok {
				p.UUID = id.String()
				t.online[name] = p
			}
			return
		}
		if strings.HasPrefix(e.Message, "Stopping server") || strings.HasPrefix(e.Message, "Stopping the server") {
			t.online = make(map[string]PlayerInfo)
		}
	}
}

// List returns the online players sorted by name.
func (t *Tracker) List() []PlayerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PlayerInfo, 0, len(t.online))
	for _, v := range t.online {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns what the tracker knows about name.
func (t *Tracker) Get(name string) (PlayerInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.online[name]
	if !ok {
		if id, known := t.uuids[name]; known {
			return PlayerInfo{Name: name, UUID: id}, false
		}
	}
	return v, ok
}

// Reconstruct replays entries into a fresh tracker.
func Reconstruct(entries []logparse.Entry) *Tracker {
	t := NewTracker()
	for _, e := range entries {
		t.Observe(e)
	}
	return t
}

// ListReply is the parsed answer to the list command.
type ListReply struct {
	Online  int
	Max     int
	Players []PlayerInfo
}

var (
	listPattern  = regexp.MustCompile(`^There are (\d+)(?:/| of a max of | out of maximum )(\d+) players online[.:]?\s*(.*)$`)
	entryPattern = regexp.MustCompile(`^([A-Za-z0-9_]{1,16})(?: \(([0-9a-fA-F-]{32,36})\))?$`)
)

// IsListReply reports whether message answers the list command.
func IsListReply(message string) bool { return listPattern.MatchString(logparse.StripFormatting(message)) }

// ParseList parses "There are N of a max of M players online: a, b" with
// optional "(uuid)" suffixes as printed by "list uuids".
func ParseList(message string) (ListReply, bool) {
	m := listPattern.FindStringSubmatch(logparse.StripFormatting(message))
	if m == nil {
		return ListReply{}, false
	}
	online, _ := strconv.Atoi(m[1])
	max, _ := strconv.Atoi(m[2])
	r := ListReply{Online: online, Max: max}
	for _, part := range strings.Split(m[3], ",") {
		part = strings.TrimSpace(part)
		em := entryPattern.FindStringSubmatch(part)
		if em == nil {
			continue
		}
		p := PlayerInfo{Name: em[1]}
		if em[2] != "" {
			if id, err := uuid.Parse(em[2]); err == nil {
				p.UUID = id.String()
			}
		}
		r.Players = append(r.Players, p)
	}
	return r, true
}
