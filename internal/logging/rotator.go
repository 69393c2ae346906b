package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer over a log file that rolls the file when it
// grows past MaxSize megabytes or the day changes. Rolled files are named
// <name>-<YYYYMMDD-HHMMSS.nnn><ext>, optionally gzipped.
type FileRotator struct {
	path       string
	maxBytes   int64
	maxAge     time.Duration
	maxBackups int
	compress   bool

	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time
	now    func() time.Time
}

// NewFileRotator opens cfg.FilePath for appending.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	r := &FileRotator{
		path:       cfg.FilePath,
		maxBytes:   cfg.MaxSize * 1024 * 1024,
		maxAge:     time.Duration(cfg.MaxAge) * 24 * time.Hour,
		maxBackups: cfg.MaxBackups,
		compress:   cfg.Compress,
		now:        time.Now,
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = f
	r.size = info.Size()
	r.opened = r.now()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.due(int64(len(p))) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) due(next int64) bool {
	if r.maxBytes > 0 && r.size > 0 && r.size+next > r.maxBytes {
		return true
	}
	y1, m1, d1 := r.opened.Date()
	y2, m2, d2 := r.now().Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

// rotate closes the current file, renames it and opens a fresh one.
// r.mu must be held.
func (r *FileRotator) rotate() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("close current log: %w", err)
		}
		r.file = nil
	}

	name, ext := r.stem()
	rolled := filepath.Join(filepath.Dir(r.path),
		fmt.Sprintf("%s-%s%s", name, r.now().Format("20060102-150405.000"), ext))
	if err := os.Rename(r.path, rolled); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if r.compress {
		if err := gzipFile(rolled); err != nil {
			return err
		}
	}
	if err := r.open(); err != nil {
		return err
	}
	r.prune()
	return nil
}

func (r *FileRotator) stem() (string, string) {
	base := filepath.Base(r.path)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext), ext
}

func gzipFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open rolled log: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("create compressed log: %w", err)
	}
	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)

	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		os.Remove(path + ".gz")
		return fmt.Errorf("compress log: %w", err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(path + ".gz")
		return fmt.Errorf("compress log: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close compressed log: %w", err)
	}
	return os.Remove(path)
}

// prune removes rolled files beyond MaxBackups or older than MaxAge.
func (r *FileRotator) prune() {
	files, err := r.Backups()
	if err != nil {
		return
	}
	type rolled struct {
		path string
		mod  time.Time
	}
	var infos []rolled
	for _, f := range files {
		st, err := os.Stat(f)
		if err != nil {
			continue
		}
		infos = append(infos, rolled{f, st.ModTime()})
	}
	// Newest first.
	sort.Slice(infos, func(i, j int) bool { return infos[i].mod.After(infos[j].mod) })

	cutoff := r.now().Add(-r.maxAge)
	for i, f := range infos {
		if (r.maxBackups > 0 && i >= r.maxBackups) || (r.maxAge > 0 && f.mod.Before(cutoff)) {
			os.Remove(f.path)
		}
	}
}

// Backups lists the rolled files, compressed or not.
func (r *FileRotator) Backups() ([]string, error) {
	name, ext := r.stem()
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(r.path), name+"-*"+ext+"*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Close closes the current file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Sync flushes the current file.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}
