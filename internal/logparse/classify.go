package logparse

import (
	"regexp"
	"strings"
)

var (
	chatPattern    = regexp.MustCompile(`^(?:\[Not Secure\] )?<([^>]+)> (.*)$`)
	joinPattern    = regexp.MustCompile(`^([A-Za-z0-9_]{1,16})(?: \(formerly known as [A-Za-z0-9_]+\))? joined the game$`)
	leavePattern   = regexp.MustCompile(`^([A-Za-z0-9_]{1,16}) left the game$`)
	commandPattern = regexp.MustCompile(`^([A-Za-z0-9_]{1,16}) issued server command: (.+)$`)
)

// DeathKeywords are matched as substrings of the message, first match wins.
// The match is not anchored to a player name, so a plugin message that
// happens to contain one of these phrases is classified as a death too.
var DeathKeywords = []string{
	"was slain by",
	"was shot by",
	"was killed",
	"was blown up",
	"blew up",
	"was burnt to a crisp",
	"burned to death",
	"went up in flames",
	"tried to swim in lava",
	"drowned",
	"suffocated",
	"starved to death",
	"froze to death",
	"withered away",
	"was pricked to death",
	"was squashed",
	"was impaled",
	"was fireballed",
	"was struck by lightning",
	"experienced kinetic energy",
	"hit the ground too hard",
	"fell out of the world",
	"fell from",
	"fell off",
	"fell",
	"died",
}

// Classify derives the category of an extracted console message. Checks run
// in a fixed order: chat, join, leave, command, death keyword, system. The
// second result is the player the message is about, when known.
func Classify(message string) (Category, string) {
	if m := chatPattern.FindStringSubmatch(message); m != nil {
		return CategoryChat, m[1]
	}
	if m := joinPattern.FindStringSubmatch(message); m != nil {
		return CategoryJoin, m[1]
	}
	if m := leavePattern.FindStringSubmatch(message); m != nil {
		return CategoryLeave, m[1]
	}
	if m := commandPattern.FindStringSubmatch(message); m != nil {
		return CategoryCommand, m[1]
	}
	for _, kw := range DeathKeywords {
		if strings.Contains(message, kw) {
			player, _, _ := strings.Cut(message, " ")
			return CategoryDeath, player
		}
	}
	return CategorySystem, ""
}
