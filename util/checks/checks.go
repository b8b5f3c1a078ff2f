package checks

import (
	"runtime/debug"
	"strings"

	"github.com/phuslu/log"
)

// Checks has its own package so that small programs can use it without importing the session.

// Check exits through the logger with the caller's stack when err is not nil.
func Check(err error) {
	if err != nil {
		log.Fatal().Err(err).Str("stack", callerStack()).Msg("fatal error")
	}
}

// CheckWithMessage is Check with a message describing what failed.
func CheckWithMessage(err error, message string) {
	if err != nil {
		log.Fatal().Err(err).Str("stack", callerStack()).Msg(message)
	}
}

// callerStack drops the goroutine header and the frames of this package.
func callerStack() string {
	lines := strings.Split(string(debug.Stack()), "\n")
	if len(lines) > 7 {
		lines = lines[7:]
	}
	return strings.Join(lines, "\n")
}
