// Package startscript reads and writes the JVM launch line of a server start
// script.
package startscript

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// JvmArgs is the structured form of a launch line.
type JvmArgs struct {
	Java       string   `json:"java"`
	MinMemory  string   `json:"minMemory"`
	MaxMemory  string   `json:"maxMemory"`
	GCType     string   `json:"gcType"`
	ExtraFlags []string `json:"extraFlags"`
	Jar        string   `json:"jar"`
	ServerArgs []string `json:"serverArgs"`
	RawLine    string   `json:"rawLine,omitempty"`
}

var (
	ErrNoLaunchLine = errors.New("no java launch line found")
	ErrInvalidArgs  = errors.New("invalid jvm arguments")
)

// GCTypes lists the collectors accepted by Validate.
var GCTypes = []string{"G1GC", "ZGC", "ShenandoahGC", "ParallelGC", "SerialGC", "ConcMarkSweepGC"}

// FlagPrefixes are the tokens kept as extra flags; anything else before -jar
// is dropped on decode.
var FlagPrefixes = []string{"-XX:", "-D", "-X", "-server", "-javaagent:", "--add-opens=", "--add-exports=", "--add-modules=", "--enable-preview"}

var (
	memoryPattern = regexp.MustCompile(`^([0-9]+)([KkMmGg]?)$`)
	gcPattern     = regexp.MustCompile(`^-XX:\+Use([A-Za-z0-9]+GC)$`)
	unsafeChars   = "\"'`$;&|<>\\\r\n\t "
)

// Decode finds the launch line and extracts its fields.
func Decode(script string) (JvmArgs, error) {
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimRight(line, "\r")
		if idx := launchIndex(fields(line)); idx >= 0 {
			return decodeLine(line, idx), nil
		}
	}
	return JvmArgs{}, ErrNoLaunchLine
}

// launchIndex returns the position of the java token when toks also
// reference a jar, or -1.
func launchIndex(toks []string) int {
	if len(toks) == 0 || strings.HasPrefix(toks[0], "#") {
		return -1
	}
	java := -1
	for i, t := range toks {
		if java < 0 && isJava(t) {
			java = i
			continue
		}
		if java >= 0 && (t == "-jar" || strings.HasSuffix(t, ".jar")) {
			return java
		}
	}
	return -1
}

func isJava(tok string) bool {
	base := filepath.Base(tok)
	return base == "java" || base == "java.exe"
}

func decodeLine(line string, javaIdx int) JvmArgs {
	toks := fields(line)
	a := JvmArgs{Java: toks[javaIdx], RawLine: line}
	rest := toks[javaIdx+1:]
	for i := 0; i < len(rest); i++ {
		t := rest[i]
		switch {
		case t == "-jar":
			if i+1 < len(rest) {
				a.Jar = rest[i+1]
				a.ServerArgs = append([]string(nil), rest[i+2:]...)
			}
			return a
		case strings.HasPrefix(t, "-Xms"):
			a.MinMemory = strings.TrimPrefix(t, "-Xms")
		case strings.HasPrefix(t, "-Xmx"):
			a.MaxMemory = strings.TrimPrefix(t, "-Xmx")
		case a.GCType == "" && gcPattern.MatchString(t):
			a.GCType = gcPattern.FindStringSubmatch(t)[1]
		case hasFlagPrefix(t):
			a.ExtraFlags = append(a.ExtraFlags, t)
		}
	}
	return a
}

func hasFlagPrefix(t string) bool {
	for _, p := range FlagPrefixes {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

// fields splits on whitespace and strips one level of surrounding quotes.
func fields(line string) []string {
	raw := strings.Fields(line)
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if len(t) >= 2 && (t[0] == '"' && t[len(t)-1] == '"' || t[0] == '\'' && t[len(t)-1] == '\'') {
			t = t[1 : len(t)-1]
		}
		out = append(out, t)
	}
	return out
}

// Command returns the program and argument vector for the launch line.
func (a JvmArgs) Command() (string, []string) {
	java := a.Java
	if java == "" {
		java = "java"
	}
	jar := a.Jar
	if jar == "" {
		jar = "server.jar"
	}
	var args []string
	if a.MinMemory != "" {
		args = append(args, "-Xms"+a.MinMemory)
	}
	if a.MaxMemory != "" {
		args = append(args, "-Xmx"+a.MaxMemory)
	}
	if a.GCType != "" {
		args = append(args, "-XX:+Use"+a.GCType)
	}
	args = append(args, a.ExtraFlags...)
	args = append(args, "-jar", jar)
	args = append(args, a.ServerArgs...)
	return java, args
}

// Encode builds one normalised launch line.
func Encode(a JvmArgs) string {
	java, args := a.Command()
	return strings.Join(append([]string{java}, args...), " ")
}

// Rewrite replaces the launch line in script with the encoded form of a.
// Tokens before the java token on that line, such as "exec", are kept.
func Rewrite(script string, a JvmArgs) (string, error) {
	lines := strings.Split(script, "\n")
	for i, line := range lines {
		body := strings.TrimRight(line, "\r")
		toks := fields(body)
		idx := launchIndex(toks)
		if idx < 0 {
			continue
		}
		indent := body[:len(body)-len(strings.TrimLeft(body, " \t"))]
		prefix := strings.Join(toks[:idx], " ")
		if prefix != "" {
			prefix += " "
		}
		out := indent + prefix + Encode(a)
		if strings.HasSuffix(line, "\r") {
			out += "\r"
		}
		lines[i] = out
		return strings.Join(lines, "\n"), nil
	}
	return "", ErrNoLaunchLine
}

// Script returns a minimal start script for a.
func Script(a JvmArgs) string {
	return "#!/bin/sh\ncd \"$(dirname \"$0\")\"\nexec " + Encode(a) + "\n"
}

// Validate checks a before it is written to disk.
func (a JvmArgs) Validate() error {
	var minB, maxB int64
	var err error
	if a.MinMemory != "" {
		if minB, err = MemoryBytes(a.MinMemory); err != nil {
			return err
		}
	}
	if a.MaxMemory != "" {
		if maxB, err = MemoryBytes(a.MaxMemory); err != nil {
			return err
		}
	}
	if minB > 0 && maxB > 0 && minB > maxB {
		return fmt.Errorf("%w: min memory %s exceeds max memory %s", ErrInvalidArgs, a.MinMemory, a.MaxMemory)
	}
	if a.GCType != "" && !validGC(a.GCType) {
		return fmt.Errorf("%w: unsupported gc %q", ErrInvalidArgs, a.GCType)
	}
	for _, f := range a.ExtraFlags {
		if !strings.HasPrefix(f, "-") || strings.ContainsAny(f, unsafeChars) {
			return fmt.Errorf("%w: flag %q", ErrInvalidArgs, f)
		}
		if a.GCType != "" && gcPattern.MatchString(f) {
			return fmt.Errorf("%w: flag %q selects a second collector", ErrInvalidArgs, f)
		}
	}
	for _, s := range a.ServerArgs {
		if strings.ContainsAny(s, unsafeChars) {
			return fmt.Errorf("%w: server argument %q", ErrInvalidArgs, s)
		}
	}
	if a.Jar != "" {
		if !strings.HasSuffix(a.Jar, ".jar") || strings.Contains(a.Jar, "..") || strings.ContainsAny(a.Jar, unsafeChars) {
			return fmt.Errorf("%w: jar %q", ErrInvalidArgs, a.Jar)
		}
	}
	if strings.ContainsAny(a.Java, unsafeChars) {
		return fmt.Errorf("%w: java %q", ErrInvalidArgs, a.Java)
	}
	return nil
}

func validGC(gc string) bool {
	for _, g := range GCTypes {
		if g == gc {
			return true
		}
	}
	return false
}

// MemoryBytes converts a JVM size such as "512M" or "4G" to bytes.
func MemoryBytes(s string) (int64, error) {
	m := memoryPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: memory size %q", ErrInvalidArgs, s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: memory size %q", ErrInvalidArgs, s)
	}
	switch strings.ToUpper(m[2]) {
	case "K":
		n <<= 10
	case "M":
		n <<= 20
	case "G":
		n <<= 30
	}
	return n, nil
}
