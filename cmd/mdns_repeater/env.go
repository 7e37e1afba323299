package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/caarlos0/env/v7"
)

// environment is the configuration that is kept in the environment.
type environment struct {
	LogFormat    string     `env:"LOG_FORMAT" envDefault:"text"`
	LogTimestamp strictBool `env:"LOG_TIMESTAMP" envDefault:"1"`
}

// parseEnvironment reads the configuration.
func parseEnvironment() (envs *environment, err error) {
	envs = &environment{}
	err = env.Parse(envs)
	if err != nil {
		return nil, fmt.Errorf("parsing environments: %w", err)
	}

	return envs, nil
}

// Validate returns an error if envs contains invalid values.
func (envs *environment) Validate() (err error) {
	_, err = slogutil.NewFormat(envs.LogFormat)
	if err != nil {
		return fmt.Errorf("env LOG_FORMAT: %w", err)
	}

	return nil
}

// strictBool is a type for booleans that are parsed from the environment more
// strictly than the usual bool.  It only accepts "0" and "1" as valid values.
type strictBool bool

// UnmarshalText implements the encoding.TextUnmarshaler interface for
// *strictBool.
func (sb *strictBool) UnmarshalText(b []byte) (err error) {
	if len(b) == 1 {
		switch b[0] {
		case '0':
			*sb = false

			return nil
		case '1':
			*sb = true

			return nil
		default:
			// Go on and return an error.
		}
	}

	return fmt.Errorf("invalid value %q, supported: %q, %q", b, "0", "1")
}

// levelCritical is above every level the program logs at, so that CRITICAL
// keeps the output quiet.
const levelCritical = slog.LevelError + 4

// parseVerbosity converts a level name passed with -verbose to a log level.
func parseVerbosity(name string) (lvl slog.Level, err error) {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	case "CRITICAL":
		return levelCritical, nil
	default:
		return 0, fmt.Errorf("unknown verbosity %q", name)
	}
}
