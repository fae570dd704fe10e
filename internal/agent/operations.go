package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/audit"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/backup"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/console"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/logparse"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/players"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/properties"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/sandbox"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/startscript"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/supervisor"
)

var (
	ErrInvalidPlayer = errors.New("invalid player name")
	ErrUnknownAction = errors.New("unknown player action")
	ErrInvalidInput  = errors.New("invalid input")
)

var playerName = regexp.MustCompile(`^[A-Za-z0-9_]{3,16}$`)

// PlayerAction is an administrative action on one player.
type PlayerAction string

const (
	PlayerWhitelistAdd    PlayerAction = "whitelist_add"
	PlayerWhitelistRemove PlayerAction = "whitelist_remove"
	PlayerBan             PlayerAction = "ban"
	PlayerPardon          PlayerAction = "pardon"
	PlayerOp              PlayerAction = "op"
	PlayerDeop            PlayerAction = "deop"
	PlayerKick            PlayerAction = "kick"
)

type playerCommand struct {
	command   string
	action    string
	hasReason bool
}

var playerCommands = map[PlayerAction]playerCommand{
	PlayerWhitelistAdd:    {"whitelist add", audit.ActionPlayerWhitelisted, false},
	PlayerWhitelistRemove: {"whitelist remove", audit.ActionPlayerUnwhitelisted, false},
	PlayerBan:             {"ban", audit.ActionPlayerBanned, true},
	PlayerPardon:          {"pardon", audit.ActionPlayerPardoned, false},
	PlayerOp:              {"op", audit.ActionPlayerOpped, false},
	PlayerDeop:            {"deop", audit.ActionPlayerDeopped, false},
	PlayerKick:            {"kick", audit.ActionPlayerKicked, true},
}

// Player issues the console command for action against name.
func (a *Agent) Player(ctx context.Context, user string, action PlayerAction, name, reason string) error {
	pc, ok := playerCommands[action]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if !playerName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidPlayer, name)
	}
	reason = strings.TrimSpace(reason)
	if strings.ContainsAny(reason, "\r\n") {
		return fmt.Errorf("%w: reason must be a single line", ErrInvalidInput)
	}
	line := pc.command + " " + name
	if pc.hasReason && reason != "" {
		line += " " + reason
	}
	if err := a.hub.Exec(line); err != nil {
		return err
	}
	details := map[string]any{"player": name}
	if pc.hasReason && reason != "" {
		details["reason"] = reason
	}
	a.record(ctx, user, pc.action, audit.CategoryPlayers, details)
	return nil
}

// Players returns the online players as reported by the status snapshot.
func (a *Agent) Players(ctx context.Context) []players.PlayerInfo {
	return a.stats.Status(ctx).Players.List
}

// ConsoleLogs returns buffered console entries.
func (a *Agent) ConsoleLogs(limit int, f console.Filter) []logparse.Entry {
	return a.hub.Recent(limit, f)
}

// Properties returns server.properties as key/value pairs.
func (a *Agent) Properties() (map[string]string, error) {
	m, err := a.propertiesMap()
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	return m, err
}

// UpdateProperties rewrites the changed keys of server.properties. Comments
// and unrelated lines are kept as they are. Changes apply on the next start.
func (a *Agent) UpdateProperties(ctx context.Context, user string, updates map[string]string) error {
	if len(updates) == 0 {
		return fmt.Errorf("%w: no properties given", ErrInvalidInput)
	}
	if err := properties.ValidateUpdates(updates); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	b, err := a.files.Read("server.properties")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	text := properties.Encode(properties.Decode(string(b)), updates)
	if err := a.files.Write("server.properties", []byte(text)); err != nil {
		return err
	}
	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	a.record(ctx, user, audit.ActionPropertiesUpdated, audit.CategoryConfig, map[string]any{"keys": keys, "changes": updates})
	return nil
}

// JvmArgs returns the launch settings from the start script, or the
// configured defaults when there is no script.
func (a *Agent) JvmArgs() (startscript.JvmArgs, error) {
	return a.jvmArgs()
}

// UpdateJvmArgs rewrites the launch line of the start script, creating the
// script when it does not exist. The next start uses the new line.
func (a *Agent) UpdateJvmArgs(ctx context.Context, user string, args startscript.JvmArgs) (startscript.JvmArgs, error) {
	if err := args.Validate(); err != nil {
		return startscript.JvmArgs{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	name := a.cfg.Server.StartScript
	b, err := a.files.Read(name)
	var script string
	switch {
	case errors.Is(err, os.ErrNotExist):
		script = startscript.Script(args)
	case err != nil:
		return startscript.JvmArgs{}, err
	default:
		if script, err = startscript.Rewrite(string(b), args); err != nil {
			return startscript.JvmArgs{}, err
		}
	}
	if err := a.files.Write(name, []byte(script)); err != nil {
		return startscript.JvmArgs{}, err
	}
	if full, err := a.files.Resolve(name); err == nil {
		_ = os.Chmod(full, 0o755)
	}
	updated, err := startscript.Decode(script)
	if err != nil {
		return startscript.JvmArgs{}, err
	}
	a.record(ctx, user, audit.ActionJvmUpdated, audit.CategoryConfig, map[string]any{"line": updated.RawLine})
	return updated, nil
}

// ListFiles lists a directory inside the server directory.
func (a *Agent) ListFiles(p string) ([]sandbox.FileEntry, error) { return a.files.List(p) }

// ReadFile reads a file inside the server directory.
func (a *Agent) ReadFile(p string) ([]byte, error) { return a.files.Read(p) }

// WriteFile replaces a file inside the server directory.
func (a *Agent) WriteFile(ctx context.Context, user, p string, data []byte) error {
	if err := a.files.Write(p, data); err != nil {
		return err
	}
	a.record(ctx, user, audit.ActionFileWritten, audit.CategoryFiles, map[string]any{"path": p, "size": len(data)})
	return nil
}

// DeleteFile removes a file or directory inside the server directory.
func (a *Agent) DeleteFile(ctx context.Context, user, p string) error {
	if err := a.files.Delete(p); err != nil {
		return err
	}
	a.record(ctx, user, audit.ActionFileDeleted, audit.CategoryFiles, map[string]any{"path": p})
	return nil
}

// CreateBackup archives the server directory. A running server is told to
// flush and pause saving for the duration of the archive.
func (a *Agent) CreateBackup(ctx context.Context, user, label string) (backup.Info, error) {
	running := a.sup.State() == supervisor.StateRunning
	if running {
		if err := a.hub.Exec("save-off"); err != nil {
			log.Warn().Err(err).Msg("backup: save-off")
			running = false
		} else {
			defer func() {
				if err := a.hub.Exec("save-on"); err != nil {
					log.Warn().Err(err).Msg("backup: save-on")
				}
			}()
			a.flushWorld(ctx)
		}
	}
	info, err := a.backups.Create(ctx, label)
	if err != nil {
		return backup.Info{}, err
	}
	a.record(ctx, user, audit.ActionBackupCreated, audit.CategoryBackup, map[string]any{
		"name": info.Name, "size": info.Size, "sha256": info.SHA256, "live": running,
	})
	return info, nil
}

// flushWorld runs save-all flush and waits briefly for the save to finish.
func (a *Agent) flushWorld(ctx context.Context) {
	qctx, cancel := context.WithTimeout(ctx, a.cfg.Server.StopTimeout.D())
	defer cancel()
	_, err := a.hub.Query(qctx, "save-all flush", func(e logparse.Entry) bool {
		msg := strings.ToLower(e.Message)
		return strings.HasPrefix(msg, "saved the game") || strings.Contains(msg, "saved the world")
	})
	if err != nil {
		log.Warn().Err(err).Msg("backup: save-all flush did not confirm")
	}
}

// ListBackups returns archives newest first.
func (a *Agent) ListBackups() ([]backup.Info, error) { return a.backups.List() }

// RestoreBackup replaces the server directory. The server must be stopped.
func (a *Agent) RestoreBackup(ctx context.Context, user, name string) error {
	if err := a.backups.Restore(ctx, name); err != nil {
		return err
	}
	a.record(ctx, user, audit.ActionBackupRestored, audit.CategoryBackup, map[string]any{"name": name})
	return nil
}

// DeleteBackup removes one archive.
func (a *Agent) DeleteBackup(ctx context.Context, user, name string) error {
	if err := a.backups.Delete(name); err != nil {
		return err
	}
	a.record(ctx, user, audit.ActionBackupDeleted, audit.CategoryBackup, map[string]any{"name": name})
	return nil
}

// Events returns stored audit records.
func (a *Agent) Events(ctx context.Context, q audit.Query) ([]audit.Record, error) {
	return a.store.List(ctx, q)
}
