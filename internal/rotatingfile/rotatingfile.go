// Package rotatingfile provides size-based rotation for file-backed Output
// plugins. It wraps an afero.Fs rather than a plain *os.File so its users
// stay testable against afero.NewMemMapFs(). plugins/jsonlines uses it;
// plugins/csv does not.
//
// Before a write that would take the active file past MaxBytes, the file is
// renamed with a numeric suffix (e.g. metrics.jsonl -> metrics.jsonl.1) and
// a fresh file is opened. Up to MaxBackups old files are kept; older ones
// are removed.
package rotatingfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/alumet-go/alumet/internal/discardlog"
)

// openFlags opens the active file for appending, creating it if absent.
const openFlags = os.O_CREATE | os.O_WRONLY | os.O_APPEND

// Config controls rotation behaviour.
type Config struct {
	// FilePath is the active file name (required).
	FilePath string

	// MaxBytes triggers rotation when the active file would exceed this
	// size. Zero disables rotation: the file grows without bound.
	MaxBytes int64

	// MaxBackups is the number of rotated files to keep. Zero keeps all
	// rotated files.
	MaxBackups int
}

// File is an afero.File-backed io.WriteCloser that rotates itself once
// Config.MaxBytes is exceeded. It is safe for concurrent use.
type File struct {
	mu     sync.Mutex
	fs     afero.Fs
	cfg    Config
	file   afero.File
	size   int64
	logger *slog.Logger
}

// Open opens (or creates, appending) the file at cfg.FilePath on fs and
// returns a ready-to-use *File. The caller must call Close when finished.
func Open(fs afero.Fs, cfg Config, logger *slog.Logger) (*File, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("rotatingfile: FilePath is required")
	}
	if logger == nil {
		logger = discardlog.New()
	}

	if dir := filepath.Dir(cfg.FilePath); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("rotatingfile: mkdir %s: %w", dir, err)
		}
	}

	rf := &File{fs: fs, cfg: cfg, logger: logger}
	if err := rf.openFile(); err != nil {
		return nil, err
	}
	return rf, nil
}

// Size reports the active file's current size in bytes.
func (rf *File) Size() int64 {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.size
}

// Write implements io.Writer, rotating the active file first when p would
// push it past Config.MaxBytes.
func (rf *File) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.cfg.MaxBytes > 0 && rf.size+int64(len(p)) > rf.cfg.MaxBytes {
		if err := rf.rotate(); err != nil {
			rf.logger.Error("rotatingfile: rotate failed", "error", err.Error())
			// Keep writing to the current file rather than losing data.
		}
	}

	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// Close closes the underlying file.
func (rf *File) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file != nil {
		return rf.file.Close()
	}
	return nil
}

func (rf *File) openFile() error {
	f, err := rf.fs.OpenFile(rf.cfg.FilePath, openFlags, 0o644)
	if err != nil {
		return fmt.Errorf("rotatingfile: open %s: %w", rf.cfg.FilePath, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("rotatingfile: stat %s: %w", rf.cfg.FilePath, err)
	}
	rf.file = f
	rf.size = info.Size()
	return nil
}

// rotate renames the active file with numbered suffixes and opens a new one.
//
// Rotation scheme:
//
//	metrics.jsonl   -> metrics.jsonl.1
//	metrics.jsonl.1 -> metrics.jsonl.2
//	...
//	metrics.jsonl.N -> removed, if N > MaxBackups
func (rf *File) rotate() error {
	if rf.file != nil {
		if err := rf.file.Close(); err != nil {
			rf.logger.Warn("rotatingfile: close error", "error", err.Error())
		}
		rf.file = nil
	}

	base := rf.cfg.FilePath

	limit := rf.cfg.MaxBackups
	if limit == 0 {
		limit = rf.findMaxBackup()
	}
	for i := limit; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", base, i)
		dst := fmt.Sprintf("%s.%d", base, i+1)
		_ = rf.fs.Rename(src, dst) // ignore error if src doesn't exist
	}

	if err := rf.fs.Rename(base, base+".1"); err != nil {
		rf.logger.Warn("rotatingfile: rename error", "error", err.Error())
	}

	if rf.cfg.MaxBackups > 0 {
		rf.prune()
	}

	rf.logger.Info("rotatingfile: rotated", "file", base)

	rf.size = 0
	return rf.openFile()
}

func (rf *File) findMaxBackup() int {
	base := rf.cfg.FilePath
	max := 0
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s.%d", base, i)
		if exists, err := afero.Exists(rf.fs, name); err != nil || !exists {
			break
		}
		max = i
	}
	return max
}

func (rf *File) prune() {
	base := rf.cfg.FilePath
	for i := rf.cfg.MaxBackups + 1; ; i++ {
		name := fmt.Sprintf("%s.%d", base, i)
		exists, err := afero.Exists(rf.fs, name)
		if err != nil || !exists {
			break
		}
		if err := rf.fs.Remove(name); err != nil {
			break
		}
		rf.logger.Debug("rotatingfile: pruned old backup", "file", name)
	}
}
