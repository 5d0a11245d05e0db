package config

import (
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/srg/mux2tty/internal/ringbuf"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.Equal(t, 9600, cfg.Baud)
	assert.Equal(t, ringbuf.Line, cfg.Mode)
	assert.Equal(t, 64*datasize.B, cfg.InitialRingSize)
	assert.Equal(t, "/var/run", cfg.PIDDir)
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: logrus.WarnLevel},
		{name: "creates logger with error level", logLevel: logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.logLevel, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
		})
	}
}

func TestConfig_InitialRingCap_FallsBackWhenUnset(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, ringbuf.DefaultCapacity, cfg.InitialRingCap())
}

func TestConfig_InitialRingCap_HonorsByteSize(t *testing.T) {
	cfg := &Config{InitialRingSize: 4 * datasize.KB}
	assert.Equal(t, 4096, cfg.InitialRingCap())
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
