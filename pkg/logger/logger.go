// Package logger provides leveled, component-tagged logging for all
// mdview subsystems. Components are short tags ("bus", "ws", "mcp",
// "watch") so a single server log stays greppable.
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

var (
	mu       sync.Mutex
	minLevel = LevelInfo
	out      io.Writer = os.Stderr
)

// SetLevel sets the minimum level that will be written.
func SetLevel(l Level) {
	mu.Lock()
	minLevel = l
	mu.Unlock()
}

// SetOutput redirects log output. Used in tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	mu.Unlock()
}

// ParseLevel converts a config string to a Level. Unknown strings
// default to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func logC(level Level, component, msg string, fields map[string]interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if level < minLevel {
		return
	}
	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05"))
	b.WriteString(" [")
	b.WriteString(levelNames[level])
	b.WriteString("] [")
	b.WriteString(component)
	b.WriteString("] ")
	b.WriteString(msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	b.WriteByte('\n')
	fmt.Fprint(out, b.String())
}

func DebugC(component, msg string) { logC(LevelDebug, component, msg, nil) }
func InfoC(component, msg string)  { logC(LevelInfo, component, msg, nil) }
func WarnC(component, msg string)  { logC(LevelWarn, component, msg, nil) }
func ErrorC(component, msg string) { logC(LevelError, component, msg, nil) }

func DebugCF(component, msg string, fields map[string]interface{}) {
	logC(LevelDebug, component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	logC(LevelInfo, component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	logC(LevelWarn, component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	logC(LevelError, component, msg, fields)
}
