// Package config holds the daemon's runtime configuration, the analogue of
// pkg/config in the Bluetooth CLI this project grew out of: a small struct
// with a NewLogger method, extended here with the fields a tty/TCP bridge
// actually needs.
package config

import (
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"

	"github.com/srg/mux2tty/internal/ringbuf"
)

// Config holds every flag-derived setting the daemon needs for its
// lifetime. It is built once in main and passed down by value or pointer;
// nothing here is mutated after startup.
type Config struct {
	LogLevel logrus.Level

	TTYPath  string
	Baud     int
	FlowCtrl bool
	DevPTY   bool

	Port int

	Mode            ringbuf.Mode
	InitialRingSize datasize.ByteSize

	NoFork bool
	PIDDir string
}

// DefaultConfig returns the daemon's baseline settings before flags are
// applied.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:        logrus.InfoLevel,
		Baud:            9600,
		Mode:            ringbuf.Line,
		InitialRingSize: 64 * datasize.B,
		PIDDir:          "/var/run",
	}
}

// NewLogger builds a logger at the configured level, text-formatted with
// timestamps so a --nofork run under a supervisor reads like a normal
// service log.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// InitialRingCap returns the configured initial ring size as an int,
// falling back to ringbuf.DefaultCapacity when unset.
func (c *Config) InitialRingCap() int {
	if c.InitialRingSize == 0 {
		return ringbuf.DefaultCapacity
	}
	return int(c.InitialRingSize.Bytes())
}
