package console

import (
	"context"
	"errors"
	"strings"

	"github.com/sxwxbxr/nxrthstack-sub004/internal/audit"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/logparse"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/metrics"
)

// NormalizeCommand trims whitespace and a leading slash and rejects empty or
// multi-line input.
func NormalizeCommand(line string) (string, error) {
	line = strings.TrimSpace(line)
	line = strings.TrimSpace(strings.TrimPrefix(line, "/"))
	if line == "" {
		return "", ErrEmptyCommand
	}
	if strings.ContainsAny(line, "\r\n") {
		return "", ErrInvalidCommand
	}
	return line, nil
}

// SendCommand writes line to the server console on behalf of userID and
// records a command_executed event. Nothing is recorded when the write fails.
func (h *Hub) SendCommand(ctx context.Context, userID, line string) error {
	cmd, err := h.write(line)
	if err != nil {
		return err
	}
	if h.auditor != nil {
		h.auditor.Record(ctx, audit.Record{
			Action:   audit.ActionCommandExecuted,
			Category: audit.CategoryConsole,
			UserID:   userID,
			Details:  map[string]any{"command": cmd},
		})
	}
	return nil
}

// Exec writes line without recording an audit event. It is used for the
// agent's own housekeeping and status queries.
func (h *Hub) Exec(line string) error {
	_, err := h.write(line)
	return err
}

func (h *Hub) write(line string) (string, error) {
	cmd, err := NormalizeCommand(line)
	if err != nil {
		return "", err
	}
	h.mu.RLock()
	w := h.writer
	h.mu.RUnlock()
	if w == nil {
		return "", errors.New("console has no writer")
	}
	if err := w.WriteStdin(cmd); err != nil {
		return "", err
	}
	metrics.IncConsoleCommands()
	return cmd, nil
}

// Query writes command and waits for the first console entry accepted by
// match. Output printed before the command was written is not considered.
func (h *Hub) Query(ctx context.Context, command string, match func(logparse.Entry) bool) (logparse.Entry, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub := h.Subscribe(ctx, 0)
	defer sub.Close()

	if err := h.Exec(command); err != nil {
		return logparse.Entry{}, err
	}
	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				if err := ctx.Err(); err != nil {
					return logparse.Entry{}, err
				}
				return logparse.Entry{}, ErrQueryAborted
			}
			if match(e) {
				return e, nil
			}
		case <-ctx.Done():
			return logparse.Entry{}, ctx.Err()
		}
	}
}

// Filter selects buffered entries. Empty fields match everything.
type Filter struct {
	Level    logparse.Level
	Category logparse.Category
	Contains string
}

func (f Filter) Match(e logparse.Entry) bool {
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Contains != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(f.Contains)) {
		return false
	}
	return true
}

// Recent returns up to limit of the newest matching entries in append order.
// A limit <= 0 returns every match.
func (h *Hub) Recent(limit int, f Filter) []logparse.Entry {
	h.mu.RLock()
	all := h.buf.All()
	h.mu.RUnlock()

	out := make([]logparse.Entry, 0, len(all))
	for _, e := range all {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
