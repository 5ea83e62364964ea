// =============================================================================
// DJ Filer - Logging
// =============================================================================
//
// zerolog setup shared by every command. Logs go to stderr through the
// console writer so stdout stays free for command output (reports, info).
//
// LEVELS: debug, info, warn, error. --verbose forces debug.
//
// =============================================================================

package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ParseLevel maps a configured level name onto a zerolog level.
// "warning" is accepted as an alias of "warn"; an empty name is info.
func ParseLevel(name string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", name)
	}
}

// Init configures the global zerolog level and logger and returns it.
//
// PARAMETERS:
//   - level: The configured level name. Invalid names fall back to info.
//   - verbose: Forces the debug level.
//   - w: The destination; nil means stderr.
func Init(level string, verbose bool, w io.Writer) zerolog.Logger {
	lvl, err := ParseLevel(level)
	if verbose {
		lvl = zerolog.DebugLevel
	}
	if w == nil {
		w = os.Stderr
	}

	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		With().
		Timestamp().
		Logger()

	if err != nil {
		log.Warn().Err(err).Msg("using info level")
	}
	return log.Logger
}
