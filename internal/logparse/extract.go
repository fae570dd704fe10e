package logparse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

var (
	versionPattern = regexp.MustCompile(`Starting minecraft server version (\S+)`)
	tpsPattern     = regexp.MustCompile(`TPS from last 1m, 5m, 15m: \*?([0-9]+(?:\.[0-9]+)?)`)
	uuidPattern    = regexp.MustCompile(`UUID of player ([A-Za-z0-9_]{1,16}) is ([0-9a-fA-F-]{32,36})`)
	donePattern    = regexp.MustCompile(`^Done \(([0-9.]+)s\)!`)
)

// ParseVersion extracts the game version from the startup banner.
func ParseVersion(message string) (string, bool) {
	m := versionPattern.FindStringSubmatch(message)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// NormalizeVersion parses a release version such as "1.20" or "1.20.4".
// Snapshot names like "24w14a" are not semantic versions and return an error.
func NormalizeVersion(v string) (*semver.Version, error) {
	return semver.NewVersion(strings.TrimSpace(v))
}

// ParseTPS extracts the one-minute figure from a tps command reply.
func ParseTPS(message string) (float64, bool) {
	m := tpsPattern.FindStringSubmatch(StripFormatting(message))
	if m == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// ParseUUID extracts the name and UUID from the login line printed when a
// player authenticates.
func ParseUUID(message string) (string, uuid.UUID, bool) {
	m := uuidPattern.FindStringSubmatch(message)
	if m == nil {
		return "", uuid.Nil, false
	}
	id, err := uuid.Parse(m[2])
	if err != nil {
		return "", uuid.Nil, false
	}
	return m[1], id, true
}

// IsReady reports whether message is the "Done (Ns)!" line printed once the
// world has loaded.
func IsReady(message string) bool { return donePattern.MatchString(message) }
