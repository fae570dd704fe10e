package logparse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedParser(now time.Time) *Parser {
	return &Parser{Now: func() time.Time { return now }}
}

func TestParse_ThreadFormat(t *testing.T) {
	now := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	e := fixedParser(now).Parse("[12:34:56] [Server thread/INFO]: Player joined the game")

	assert.Equal(t, LevelInfo, e.Level)
	assert.Equal(t, "Server thread", e.Thread)
	assert.Equal(t, CategoryJoin, e.Category)
	assert.Equal(t, "Player joined the game", e.Message)
	assert.Equal(t, "Player", e.Player)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 34, 56, 0, time.UTC), e.Time)
}

func TestParse_CompactFormat(t *testing.T) {
	now := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	e := fixedParser(now).Parse("[08:00:01 WARN]: Can't keep up! Is the server overloaded?")

	assert.Equal(t, LevelWarn, e.Level)
	assert.Equal(t, DefaultThread, e.Thread)
	assert.Equal(t, CategorySystem, e.Category)
	assert.Equal(t, "Can't keep up! Is the server overloaded?", e.Message)
}

func TestParse_Fallback(t *testing.T) {
	now := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	e := fixedParser(now).Parse("java.lang.NullPointerException\r\n")

	assert.Equal(t, now, e.Time)
	assert.Equal(t, LevelInfo, e.Level)
	assert.Equal(t, DefaultThread, e.Thread)
	assert.Equal(t, "java.lang.NullPointerException", e.Message)
	assert.Equal(t, "java.lang.NullPointerException", e.Raw)
}

func TestParse_LevelAliases(t *testing.T) {
	p := fixedParser(time.Now())
	assert.Equal(t, LevelError, p.Parse("[10:00:00] [Worker/SEVERE]: boom").Level)
	assert.Equal(t, LevelWarn, p.Parse("[10:00:00 WARNING]: hmm").Level)
	assert.Equal(t, LevelInfo, p.Parse("[10:00:00 NOTICE]: odd").Level)
}

func TestParse_ClockAfterNowIsYesterday(t *testing.T) {
	now := time.Date(2024, 3, 2, 0, 0, 30, 0, time.UTC)
	e := fixedParser(now).Parse("[23:59:59] [Server thread/INFO]: tick")
	assert.Equal(t, time.Date(2024, 3, 1, 23, 59, 59, 0, time.UTC), e.Time)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		msg    string
		cat    Category
		player string
	}{
		{"<Alice> I fell off again lol", CategoryChat, "Alice"},
		{"[Not Secure] <Bob> hello", CategoryChat, "Bob"},
		{"Steve joined the game", CategoryJoin, "Steve"},
		{"Alex (formerly known as Al) joined the game", CategoryJoin, "Alex"},
		{"Steve left the game", CategoryLeave, "Steve"},
		{"Steve issued server command: /gamemode creative", CategoryCommand, "Steve"},
		{"Steve issued server command: /say I fell", CategoryCommand, "Steve"},
		{"Steve was slain by Zombie", CategoryDeath, "Steve"},
		{"Steve fell from a high place", CategoryDeath, "Steve"},
		{"Preparing spawn area: 42%", CategorySystem, ""},
	}
	for _, tc := range cases {
		cat, player := Classify(tc.msg)
		assert.Equal(t, tc.cat, cat, tc.msg)
		assert.Equal(t, tc.player, player, tc.msg)
	}
}

func TestClassify_KeywordInSystemMessage(t *testing.T) {
	// plugin output that merely contains a keyword is still reported as a death
	cat, _ := Classify("[Backup] Worker thread died, restarting")
	assert.Equal(t, CategoryDeath, cat)
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "hello world", StripANSI("\x1b[32mhello\x1b[0m world"))
	assert.Equal(t, "TPS 20.0", StripFormatting("§aTPS §f20.0"))
}

func TestExtractors(t *testing.T) {
	v, ok := ParseVersion("Starting minecraft server version 1.20.4")
	require.True(t, ok)
	assert.Equal(t, "1.20.4", v)

	sv, err := NormalizeVersion("1.20")
	require.NoError(t, err)
	assert.Equal(t, "1.20.0", sv.String())
	_, err = NormalizeVersion("24w14a")
	assert.Error(t, err)

	tps, ok := ParseTPS("§6TPS from last 1m, 5m, 15m: §a*20.0, §a19.98, §a19.97")
	require.True(t, ok)
	assert.InDelta(t, 20.0, tps, 0.001)

	name, id, ok := ParseUUID("UUID of player Steve is 8667ba71-b85a-4004-af54-457a9734eed7")
	require.True(t, ok)
	assert.Equal(t, "Steve", name)
	assert.Equal(t, "8667ba71-b85a-4004-af54-457a9734eed7", id.String())

	assert.True(t, IsReady(`Done (3.214s)! For help, type "help"`))
	assert.False(t, IsReady("Loading libraries"))
}
