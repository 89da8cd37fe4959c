package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// backupLayout stamps rotated relay logs, e.g. iotrelay-20261019T141500.000.log
const backupLayout = "20060102T150405.000"

// RotatingFile is the relay log file. Once a write would push it past its
// size limit the file is moved aside under a timestamped name and a fresh one
// is started. Backups older than the retention window are pruned after every
// rotation. Safe for concurrent use.
type RotatingFile struct {
	mu        sync.Mutex
	path      string
	limit     int64
	retention time.Duration
	gzip      bool

	file *os.File
	size int64

	// pending compressions and prunes, waited for on Close
	background sync.WaitGroup
}

// OpenRotatingFile opens (or creates) the relay log at path.
// maxSizeMB bounds a single file; maxAgeDays of zero keeps backups forever.
func OpenRotatingFile(path string, maxSizeMB, maxAgeDays int, compress bool) (*RotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	f := &RotatingFile{
		path:      path,
		limit:     int64(maxSizeMB) << 20,
		retention: time.Duration(maxAgeDays) * 24 * time.Hour,
		gzip:      compress,
	}
	if err := f.open(); err != nil {
		return nil, err
	}

	f.background.Add(1)
	go func() {
		defer f.background.Done()
		f.prune(time.Now())
	}()

	return f, nil
}

func (f *RotatingFile) open() error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	f.file = file
	f.size = info.Size()
	return nil
}

// Write appends one log line, rotating first when the line would not fit.
// An empty file always takes the line, however long.
func (f *RotatingFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return 0, os.ErrClosed
	}
	if f.size > 0 && f.size+int64(len(p)) > f.limit {
		if err := f.rotate(time.Now()); err != nil {
			return 0, err
		}
	}

	n, err := f.file.Write(p)
	f.size += int64(n)
	return n, err
}

// Close closes the active file and waits for background compression
func (f *RotatingFile) Close() error {
	f.mu.Lock()
	var err error
	if f.file != nil {
		err = f.file.Close()
		f.file = nil
	}
	f.mu.Unlock()

	f.background.Wait()
	return err
}

// rotate must be called with mu held
func (f *RotatingFile) rotate(now time.Time) error {
	if err := f.file.Close(); err != nil {
		return err
	}

	backup := backupName(f.path, now)
	if err := os.Rename(f.path, backup); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	if err := f.open(); err != nil {
		return err
	}

	f.background.Add(1)
	go func() {
		defer f.background.Done()
		if f.gzip {
			_ = gzipFile(backup)
		}
		f.prune(now)
	}()
	return nil
}

// backupName turns /var/log/iotrelay.log into /var/log/iotrelay-<stamp>.log
func backupName(path string, now time.Time) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-" + now.Format(backupLayout) + ext
}

// backups lists rotated files belonging to path, compressed or not
func (f *RotatingFile) backups() []string {
	ext := filepath.Ext(f.path)
	prefix := strings.TrimSuffix(f.path, ext) + "-"

	matches, err := filepath.Glob(prefix + "*" + ext + "*")
	if err != nil {
		return nil
	}

	var out []string
	for _, m := range matches {
		stamp := strings.TrimSuffix(strings.TrimSuffix(strings.TrimPrefix(m, prefix), ".gz"), ext)
		if _, err := time.Parse(backupLayout, stamp); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// prune deletes backups last modified before the retention window
func (f *RotatingFile) prune(now time.Time) {
	if f.retention <= 0 {
		return
	}
	cutoff := now.Add(-f.retention)
	for _, backup := range f.backups() {
		info, err := os.Stat(backup)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(backup)
		}
	}
}

// gzipFile replaces path with path.gz
func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
