// Package logging configures the zerolog logger shared by the enricher packages
// and scrubs credentials out of strings before they reach a log line.
package logging

import (
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty switches from JSON lines to zerolog's console writer.
	Pretty bool

	// Output defaults to os.Stderr when nil.
	Output io.Writer
}

// DefaultConfig returns JSON logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel maps a level name onto zerolog. Unknown names fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a child of the global logger tagged with a component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

var (
	// "token ghp_xxx" / "Bearer xxx" as sent in Authorization headers.
	authValueRe = regexp.MustCompile(`(?i)\b(token|bearer)\s+[^\s"',]+`)

	// GitHub personal access token shapes (classic and fine-grained).
	githubTokenRe = regexp.MustCompile(`\b(gh[pousr]_[A-Za-z0-9]{20,}|github_pat_[A-Za-z0-9_]{20,})\b`)
)

// Redact removes credential-looking substrings from s. Safe on any input.
func Redact(s string) string {
	if s == "" {
		return ""
	}
	out := authValueRe.ReplaceAllString(s, "$1 <redacted>")
	out = githubTokenRe.ReplaceAllString(out, "<redacted>")
	return out
}

// Field conventions:
//
//   - component:   emitting package (transport, rotator, directory, batch)
//   - handle:      normalized GitHub login
//   - profile_url: profile reference exactly as it appears in the input
//   - status:      HTTP status code
//   - credential:  1-based index of the active credential, never the token
//   - credential_hint: last four characters of the credential, see Credential.Masked
//   - remaining:   quota remaining for the active credential
//   - attempt:     transport attempt number
//   - run_id:      batch run identifier
//
// Warn is used for retried or rotated requests, Error for records that failed
// with an unexpected error and for startup failures.
