//nolint:paralleltest // Tests modify package-level session log state, cannot run in parallel
package uhf

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cleanupSessionLog ensures session log state is clean after tests.
func cleanupSessionLog(t *testing.T) {
	t.Helper()
	if sessionLogFile != nil {
		_ = sessionLogFile.Close()
	}
	sessionLogFile = nil
	sessionLogPath = ""
	sessionLogWriter = nil
}

func TestInitSessionLog_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	t.Cleanup(func() { cleanupSessionLog(t) })

	path, err := InitSessionLog(dir)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err, "Log file should exist")
	assert.Equal(t, dir, filepath.Dir(path))
	assert.Equal(t, path, GetSessionLogPath())

	matched, err := regexp.MatchString(`^uhf_\d{8}_\d{6}\.log$`, filepath.Base(path))
	require.NoError(t, err)
	assert.True(t, matched, "Filename should match uhf_YYYYMMDD_HHMMSS.log, got: %s", path)
}

func TestSessionLog_HeaderLinesFooter(t *testing.T) {
	origEnabled := debugEnabled
	t.Cleanup(func() {
		cleanupSessionLog(t)
		debugEnabled = origEnabled
	})
	debugEnabled = false

	path, err := InitSessionLog(t.TempDir())
	require.NoError(t, err)

	Debugf("channel %d kHz locked", 920625)
	require.NoError(t, CloseSessionLog())
	assert.Empty(t, GetSessionLogPath())

	content, err := os.ReadFile(path) //nolint:gosec // path is from InitSessionLog
	require.NoError(t, err)
	text := string(content)

	assert.True(t, strings.HasPrefix(text, "=== UHF Reader Debug Session Log ==="))
	assert.Contains(t, text, "PID:")
	assert.Contains(t, text, "Go Version:")
	assert.Contains(t, text, "DEBUG: channel 920625 kHz locked")
	assert.Contains(t, text, "=== Session ended ===")
}

func TestCloseSessionLog_NilFile(t *testing.T) {
	t.Cleanup(func() { cleanupSessionLog(t) })

	sessionLogFile = nil
	require.NoError(t, CloseSessionLog())
}

func TestInitSessionLog_ErrorOnMissingDirectory(t *testing.T) {
	t.Cleanup(func() { cleanupSessionLog(t) })

	_, err := InitSessionLog(filepath.Join(t.TempDir(), "missing", "dir"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create session log")
	assert.Empty(t, GetSessionLogPath())
}

func TestMultipleInitCloseCycles(t *testing.T) {
	t.Cleanup(func() { cleanupSessionLog(t) })

	for i := range 3 {
		path, err := InitSessionLog(t.TempDir())
		require.NoError(t, err, "Init cycle %d failed", i)
		require.NoError(t, CloseSessionLog(), "Close cycle %d failed", i)
		assert.Nil(t, sessionLogFile)
		assert.Nil(t, sessionLogWriter)

		_, err = os.Stat(path)
		require.NoError(t, err)
	}
}
