package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/scheduler"
)

const token = "0123456789abcdef0123"

func write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadTOML(t *testing.T) {
	p := write(t, "mcagent.toml", `
listen = "127.0.0.1:9000"
token = "`+token+`"

[server]
dir = "/srv/mc"
stop_timeout = "45s"
auto_start = true

[backup]
keep = 3
exclude = ["logs"]

[[schedule]]
name = "nightly"
action = "restart"
at = "04:00"
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "/srv/mc", cfg.Server.Dir)
	assert.Equal(t, 45*time.Second, cfg.Server.StopTimeout.D())
	assert.Equal(t, 10*time.Second, cfg.Server.KillWait.D(), "default kept")
	assert.True(t, cfg.Server.AutoStart)
	assert.Equal(t, 3, cfg.Backup.Keep)
	assert.Equal(t, filepath.Join(filepath.Dir(p), "data", "backups"), cfg.Backup.Dir)
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, scheduler.ActionRestart, cfg.Schedules[0].Action)
}

func TestLoadYAML(t *testing.T) {
	p := write(t, "mcagent.yaml", `
token: `+token+`
server:
  dir: server
  stop_timeout: 1m
stats:
  query_ttl: 10s
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Server.StopTimeout.D())
	assert.Equal(t, 10*time.Second, cfg.Stats.QueryTTL.D())
	assert.Equal(t, filepath.Join(filepath.Dir(p), "server"), cfg.Server.Dir)
}

func TestEnvOverrides(t *testing.T) {
	p := write(t, "mcagent.toml", `token = "`+token+`"`)
	t.Setenv("MCAGENT_LISTEN", ":7070")
	t.Setenv("MCAGENT_STOP_TIMEOUT", "5s")
	t.Setenv("MCAGENT_AUTO_START", "true")
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, 5*time.Second, cfg.Server.StopTimeout.D())
	assert.True(t, cfg.Server.AutoStart)

	t.Setenv("MCAGENT_AUTO_START", "maybe")
	_, err = Load(p)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("MCAGENT_TOKEN", token)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "stop", cfg.Server.StopCommand)
}

func TestValidationFailures(t *testing.T) {
	for name, body := range map[string]string{
		"no token":      ``,
		"bad buffer":    "token = \"" + token + "\"\n[server]\nconsole_buffer = 10\n",
		"bad script":    "token = \"" + token + "\"\n[server]\nstart_script = \"../x.sh\"\n",
		"bad schedule":  "token = \"" + token + "\"\n[[schedule]]\nname = \"x\"\naction = \"stop\"\nat = \"25:00\"\n",
		"broken syntax": "token = ",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(write(t, "c.toml", body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
