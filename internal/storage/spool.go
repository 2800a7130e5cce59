package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrTooLarge is returned when a spooled attachment exceeds the size limit.
var ErrTooLarge = errors.New("storage: attachment too large")

// Spool holds attachments received over HTTP on local disk until the send
// pipeline has uploaded them. Files stay in place while a failed send may
// still be retried and are reclaimed by Sweep.
type Spool struct {
	dir string
}

// NewSpool creates dir if needed and returns a spool rooted there.
func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create spool dir: %w", err)
	}
	return &Spool{dir: dir}, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string { return s.dir }

// Save copies at most limit bytes from r into a new file and returns its
// file:// URI.
func (s *Spool) Save(r io.Reader, ext string, limit int64) (string, error) {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "jpeg"
	}
	f, err := os.CreateTemp(s.dir, "upload-*."+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create spool file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > limit {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return "file://" + f.Name(), nil
}

// Remove deletes the spooled file behind uri. URIs outside the spool are ignored.
func (s *Spool) Remove(uri string) error {
	path, ok := strings.CutPrefix(uri, "file://")
	if !ok || filepath.Dir(path) != filepath.Clean(s.dir) {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Sweep removes spooled files older than maxAge and returns how many it removed.
func (s *Spool) Sweep(maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "upload-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
