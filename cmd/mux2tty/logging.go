package main

import (
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"
)

// resolveLogLevel honors --log-level first, then falls back to
// --verbose/--quiet, defaulting to info.
func resolveLogLevel(logLevelFlag string, verbose, quiet bool) logrus.Level {
	switch logLevelFlag {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	}

	switch {
	case verbose:
		return logrus.DebugLevel
	case quiet:
		return logrus.WarnLevel
	default:
		return logrus.InfoLevel
	}
}

// parseRingSize parses a human-readable byte size flag (e.g. "64B",
// "4KiB") into *out, rejecting anything that wouldn't make a usable ring.
func parseRingSize(s string, out *datasize.ByteSize) error {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(s)); err != nil {
		return fmt.Errorf("invalid ring size %q: %w", s, err)
	}
	if size == 0 {
		return fmt.Errorf("ring size must be positive, got %q", s)
	}
	*out = size
	return nil
}
