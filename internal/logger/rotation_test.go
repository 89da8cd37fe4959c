package logger

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRotatingFile(t *testing.T) {
	t.Run("should create the log directory", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "var", "log", "iotrelay.log")

		f, err := OpenRotatingFile(logFile, 10, 7, false)
		require.NoError(t, err)
		defer f.Close()

		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("should append to an existing log", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "iotrelay.log")
		require.NoError(t, os.WriteFile(logFile, []byte("previous run\n"), 0644))

		f, err := OpenRotatingFile(logFile, 10, 7, false)
		require.NoError(t, err)
		_, err = f.Write([]byte("next run\n"))
		require.NoError(t, err)
		require.NoError(t, f.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Equal(t, "previous run\nnext run\n", string(content))
		assert.Equal(t, int64(len(content)), f.size)
	})
}

func TestRotatingFile_Write(t *testing.T) {
	t.Run("should move a full file aside", func(t *testing.T) {
		dir := t.TempDir()
		logFile := filepath.Join(dir, "iotrelay.log")

		f, err := OpenRotatingFile(logFile, 1, 0, false)
		require.NoError(t, err)

		line := []byte(strings.Repeat("a", 700<<10) + "\n")
		_, err = f.Write(line)
		require.NoError(t, err)
		_, err = f.Write(line)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		assert.Len(t, f.backups(), 1)
		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Len(t, content, len(line))
	})

	t.Run("should accept an oversized line into an empty file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "iotrelay.log")

		f, err := OpenRotatingFile(logFile, 0, 0, false)
		require.NoError(t, err)
		_, err = f.Write([]byte("session ended\n"))
		require.NoError(t, err)
		require.NoError(t, f.Close())

		assert.Empty(t, f.backups())
	})

	t.Run("should compress backups", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "iotrelay.log")

		f, err := OpenRotatingFile(logFile, 0, 0, true)
		require.NoError(t, err)
		_, err = f.Write([]byte("first\n"))
		require.NoError(t, err)
		_, err = f.Write([]byte("second\n"))
		require.NoError(t, err)
		require.NoError(t, f.Close())

		backups := f.backups()
		require.Len(t, backups, 1)
		require.True(t, strings.HasSuffix(backups[0], ".log.gz"))

		gz, err := os.Open(backups[0])
		require.NoError(t, err)
		defer gz.Close()
		zr, err := gzip.NewReader(gz)
		require.NoError(t, err)
		content, err := io.ReadAll(zr)
		require.NoError(t, err)
		assert.Equal(t, "first\n", string(content))
	})

	t.Run("should fail after close", func(t *testing.T) {
		f, err := OpenRotatingFile(filepath.Join(t.TempDir(), "iotrelay.log"), 1, 0, false)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		_, err = f.Write([]byte("late\n"))
		assert.ErrorIs(t, err, os.ErrClosed)
	})
}

func TestBackupName(t *testing.T) {
	now := time.Date(2026, 10, 19, 14, 15, 0, 0, time.UTC)

	assert.Equal(t, "/var/log/iotrelay-20261019T141500.000.log", backupName("/var/log/iotrelay.log", now))
	assert.Equal(t, "/var/log/iotrelay-20261019T141500.000", backupName("/var/log/iotrelay", now))
}

func TestRotatingFile_Prune(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "iotrelay.log")
	now := time.Now()

	stale := backupName(logFile, now.AddDate(0, 0, -10)) + ".gz"
	fresh := backupName(logFile, now.AddDate(0, 0, -1))
	unrelated := filepath.Join(dir, "iotrelay-notes.log")
	for _, path := range []string{stale, fresh, unrelated} {
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	}
	old := now.AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(unrelated, old, old))

	f, err := OpenRotatingFile(logFile, 10, 7, false)
	require.NoError(t, err)
	// Close waits for the prune started on open
	require.NoError(t, f.Close())

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
	_, err = os.Stat(unrelated)
	assert.NoError(t, err)
}
