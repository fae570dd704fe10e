// Package logparse turns raw server console lines into structured entries.
//
// Parsing never fails: a line that matches neither bracket format is kept as
// an INFO entry on the server thread stamped with the current time.
package logparse

import (
	"regexp"
	"strings"
	"time"
)

// Level is the severity printed in the console bracket.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
	LevelDebug Level = "DEBUG"
)

// Category is the derived kind of a console message.
type Category string

const (
	CategoryChat    Category = "chat"
	CategoryJoin    Category = "join"
	CategoryLeave   Category = "leave"
	CategoryDeath   Category = "death"
	CategoryCommand Category = "command"
	CategorySystem  Category = "system"
)

// DefaultThread is used when a line carries no thread name.
const DefaultThread = "Server thread"

// Entry is one parsed console line. Seq is assigned by the console buffer.
type Entry struct {
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"timestamp"`
	Level    Level     `json:"level"`
	Thread   string    `json:"thread"`
	Message  string    `json:"message"`
	Category Category  `json:"category"`
	Player   string    `json:"player,omitempty"`
	Raw      string    `json:"raw"`
}

var (
	// [12:34:56] [Server thread/INFO]: message
	threadFormat = regexp.MustCompile(`^\[(\d{2}:\d{2}:\d{2})\] \[([^\]]+)/([A-Za-z]+)\]:\s?(.*)$`)
	// [12:34:56 INFO]: message
	compactFormat = regexp.MustCompile(`^\[(\d{2}:\d{2}:\d{2}) ([A-Za-z]+)\]:\s?(.*)$`)

	ansiPattern       = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
	formattingPattern = regexp.MustCompile(`§[0-9a-fk-orA-FK-OR]`)
)

// LevelAliases maps the level spellings seen in the wild onto Level.
// Unknown spellings parse as INFO.
var LevelAliases = map[string]Level{
	"INFO":    LevelInfo,
	"WARN":    LevelWarn,
	"WARNING": LevelWarn,
	"ERROR":   LevelError,
	"SEVERE":  LevelError,
	"FATAL":   LevelFatal,
	"DEBUG":   LevelDebug,
	"TRACE":   LevelDebug,
}

// Parser parses console lines. Now supplies the date for time-of-day stamps.
type Parser struct {
	Now func() time.Time
}

// New returns a Parser using the wall clock.
func New() *Parser { return &Parser{Now: time.Now} }

var defaultParser = New()

// Parse parses raw with the package default parser.
func Parse(raw string) Entry { return defaultParser.Parse(raw) }

// Parse converts one console line into an Entry.
func (p *Parser) Parse(raw string) Entry {
	now := p.now()
	line := strings.TrimRight(raw, "\r\n")
	e := Entry{Time: now, Level: LevelInfo, Thread: DefaultThread, Message: strings.TrimSpace(line), Raw: line}

	if m := threadFormat.FindStringSubmatch(line); m != nil {
		e.Time = stamp(now, m[1])
		e.Thread = m[2]
		e.Level = parseLevel(m[3])
		e.Message = m[4]
	} else if m := compactFormat.FindStringSubmatch(line); m != nil {
		e.Time = stamp(now, m[1])
		e.Level = parseLevel(m[2])
		e.Message = m[3]
	}
	e.Category, e.Player = Classify(e.Message)
	return e
}

func (p *Parser) now() time.Time {
	if p == nil || p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func parseLevel(s string) Level {
	if l, ok := LevelAliases[strings.ToUpper(s)]; ok {
		return l
	}
	return LevelInfo
}

// stamp places a HH:MM:SS clock reading on now's date. A reading more than a
// minute ahead of now belongs to the previous day.
func stamp(now time.Time, clock string) time.Time {
	t, err := time.ParseInLocation("15:04:05", clock, now.Location())
	if err != nil {
		return now
	}
	out := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), 0, now.Location())
	if out.After(now.Add(time.Minute)) {
		out = out.AddDate(0, 0, -1)
	}
	return out
}

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string { return ansiPattern.ReplaceAllString(s, "") }

// StripFormatting removes legacy section-sign colour codes.
func StripFormatting(s string) string { return formattingPattern.ReplaceAllString(s, "") }
