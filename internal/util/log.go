package util

import (
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"
)

// Logs go through pterm's default logger on stderr. The level comes from
// the configuration unless UDPLINK_LOG_LEVEL is set, and EnableDebug can
// lower either one to debug.

// LogLevelEnv names the environment variable that overrides the configured
// log level.
const LogLevelEnv = "UDPLINK_LOG_LEVEL"

var logLevels = map[string]pterm.LogLevel{
	"trace":   pterm.LogLevelTrace,
	"debug":   pterm.LogLevelDebug,
	"":        pterm.LogLevelInfo,
	"info":    pterm.LogLevelInfo,
	"warn":    pterm.LogLevelWarn,
	"warning": pterm.LogLevelWarn,
	"error":   pterm.LogLevelError,
}

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000

	if lvl, ok := envLogLevel(); ok {
		pterm.DefaultLogger.Level = lvl
	}
}

func parseLogLevel(name string) (pterm.LogLevel, bool) {
	lvl, ok := logLevels[strings.ToLower(strings.TrimSpace(name))]
	return lvl, ok
}

func envLogLevel() (pterm.LogLevel, bool) {
	name := os.Getenv(LogLevelEnv)
	if name == "" {
		return 0, false
	}
	return parseLogLevel(name)
}

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

// LogSuccess is LogInfo for user-facing confirmations.
func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// SetLogLevel applies the configured level: trace, debug, info, warn or
// error. An unknown name is an error even when UDPLINK_LOG_LEVEL is set, in
// which case the variable's level is kept.
func SetLogLevel(name string) error {
	lvl, ok := parseLogLevel(name)
	if !ok {
		return fmt.Errorf("unknown log level %q", name)
	}
	if env, ok := envLogLevel(); ok {
		lvl = env
	}
	pterm.DefaultLogger.Level = lvl
	return nil
}

// EnableDebug lowers the level to debug. A trace level is left alone.
func EnableDebug() {
	if !DebugEnabled() {
		pterm.DefaultLogger.Level = pterm.LogLevelDebug
	}
}

// DebugEnabled reports whether debug messages are printed. Callers use it
// to skip building expensive debug output.
func DebugEnabled() bool {
	lvl := pterm.DefaultLogger.Level
	return lvl != pterm.LogLevelDisabled && lvl <= pterm.LogLevelDebug
}
