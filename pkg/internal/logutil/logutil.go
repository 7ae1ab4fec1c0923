package logutil

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"
)

var (
	jsonMode  atomic.Bool
	debugMode atomic.Bool
)

func init() {
	if os.Getenv("IPSET_LOG_JSON") == "1" || os.Getenv("IPSET_LOG_FORMAT") == "json" {
		jsonMode.Store(true)
	}
	if os.Getenv("IPSET_LOG_DEBUG") == "1" {
		debugMode.Store(true)
	}
}

// SetJSON switches every logger helper between prefixed text and JSON lines.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// SetDebug enables Debugf output.
func SetDebug(enabled bool) { debugMode.Store(enabled) }

func Debugf(l *log.Logger, f string, args ...any) {
	if debugMode.Load() {
		logf(l, "debug", f, args...)
	}
}
func Infof(l *log.Logger, f string, args ...any)  { logf(l, "info", f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, "warn", f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, "error", f, args...) }

// OrDefault returns l, or the process default logger when l is nil.
func OrDefault(l *log.Logger) *log.Logger {
	if l == nil {
		return log.Default()
	}
	return l
}

var prefixes = map[string]string{
	"debug": "DEBUG ",
	"info":  "INFO ",
	"warn":  "WARN ",
	"error": "ERROR ",
}

func logf(l *log.Logger, level, f string, args ...any) {
	l = OrDefault(l)
	msg := fmt.Sprintf(f, args...)
	if jsonMode.Load() {
		b, _ := json.Marshal(map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"level": level,
			"msg":   msg,
		})
		l.Println(string(b))
		return
	}
	log.New(l.Writer(), l.Prefix()+prefixes[level], l.Flags()).Output(3, msg)
}
