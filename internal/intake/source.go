// Package intake watches a drop location for new files and turns each one
// into a stored object, a raw file row, and a published ingestion event.
package intake

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileInfo describes one candidate file at the drop location.
type FileInfo struct {
	Name      string
	SizeBytes int64
	ModTime   time.Time
}

// Source is a drop location. Files are immutable once listed; Archive marks a
// file processed and is idempotent, so re-archiving after a crash is safe.
type Source interface {
	List(ctx context.Context) ([]FileInfo, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Archive(ctx context.Context, name string) error
}

// LocalDir is a Source backed by a local directory, with processed files
// moved into an archive directory.
type LocalDir struct {
	dir         string
	archiveDir  string
	settleDelay time.Duration
}

// NewLocalDir creates a local drop directory source. An empty archiveDir
// defaults to <dir>/archive. Both directories are created if missing.
func NewLocalDir(dir, archiveDir string, settleDelay time.Duration) (*LocalDir, error) {
	if archiveDir == "" {
		archiveDir = filepath.Join(dir, "archive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create drop dir: %w", err)
	}
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &LocalDir{
		dir:         dir,
		archiveDir:  archiveDir,
		settleDelay: settleDelay,
	}, nil
}

// List returns the files currently waiting in the drop directory. Dotfiles,
// subdirectories, and files modified more recently than the settle delay are
// skipped; the latter avoids picking up files still being written.
func (s *LocalDir) List(ctx context.Context) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read drop dir: %w", err)
	}

	cutoff := time.Now().Add(-s.settleDelay)
	var files []FileInfo
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // removed between list and stat
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		files = append(files, FileInfo{
			Name:      entry.Name(),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
	}
	return files, nil
}

// Open opens a listed file for reading.
func (s *LocalDir) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.dir, filepath.Base(name)))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

// Archive moves a processed file out of the drop directory. If the source is
// already gone and an archived copy exists, that earlier move counts.
func (s *LocalDir) Archive(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	base := filepath.Base(name)
	src := filepath.Join(s.dir, base)
	dst := filepath.Join(s.archiveDir, base)

	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			if _, statErr := os.Stat(dst); statErr == nil {
				return nil
			}
		}
		return fmt.Errorf("archive %s: %w", name, err)
	}
	return nil
}
