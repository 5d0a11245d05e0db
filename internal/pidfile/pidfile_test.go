package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPath(t *testing.T) {
	assert.Equal(t, "/var/run/mux2tty.ttyUSB0.pid", Path("/var/run", "/dev/ttyUSB0"))
}

func TestWriteAndRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mux2tty.test.pid")

	require.NoError(t, Write(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(content))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, Remove(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRemove_MissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, Remove(filepath.Join(dir, "does-not-exist.pid")))
}
