package daemonize

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetached_FalseByDefault(t *testing.T) {
	assert.False(t, Detached())
}

func TestDetached_TrueWhenGuardEnvPresent(t *testing.T) {
	t.Setenv("MUX2TTY_DAEMONIZED", "1")
	assert.True(t, Detached())
}
