package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// File permission constants
const (
	PermSecretFile os.FileMode = 0600
	PermSecretDir  os.FileMode = 0700
)

// File operation errors
var (
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrAtomicWriteFailed   = errors.New("security: atomic write failed")
	ErrTempFileFailed      = errors.New("security: temporary file creation failed")
	ErrFileTooLarge        = errors.New("security: file exceeds maximum size")
	ErrLocked              = errors.New("security: data directory is locked by another process")
)

// SecureFileWriter handles atomic file writes with secure permissions.
type SecureFileWriter struct {
	path     string
	tempFile *os.File
	tempPath string
}

// NewSecureFileWriter writes to a temporary sibling of path that Commit
// renames into place.
func NewSecureFileWriter(path string, perm os.FileMode) (*SecureFileWriter, error) {
	cleanPath, err := DefaultPathValidator().ValidatePath(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cleanPath), PermSecretDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tempPath := cleanPath + ".tmp." + randomSuffix()
	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTempFileFailed, err)
	}
	return &SecureFileWriter{path: cleanPath, tempFile: tempFile, tempPath: tempPath}, nil
}

// Write writes data to the temporary file.
func (w *SecureFileWriter) Write(p []byte) (int, error) {
	return w.tempFile.Write(p)
}

// Commit atomically moves the temporary file to the final path.
func (w *SecureFileWriter) Commit() error {
	if err := w.tempFile.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("sync: %w", err)
	}
	if err := w.tempFile.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return nil
}

// Abort cancels the write and removes the temporary file.
func (w *SecureFileWriter) Abort() {
	w.tempFile.Close()
	os.Remove(w.tempPath)
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// WriteSecretFile writes data atomically with 0600 permissions.
func WriteSecretFile(path string, data []byte) error {
	w, err := NewSecureFileWriter(path, PermSecretFile)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return err
	}
	return w.Commit()
}

// ReadSecureFile reads a file after checking that no group or other
// permission bits are set.
func ReadSecureFile(path string, maxSize int64) ([]byte, error) {
	cleanPath, err := DefaultPathValidator().ValidatePath(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, err
	}
	if runtime.GOOS != "windows" {
		if mode := info.Mode().Perm(); mode&0077 != 0 {
			return nil, fmt.Errorf("%w: file %s has mode %04o, expected %04o",
				ErrInsecurePermissions, cleanPath, mode, PermSecretFile)
		}
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, info.Size(), maxSize)
	}
	return os.ReadFile(cleanPath)
}

// EnsureSecureDir creates path with 0700 permissions, or tightens an
// existing directory's permissions.
func EnsureSecureDir(path string) error {
	cleanPath, err := DefaultPathValidator().ValidatePath(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(cleanPath, PermSecretDir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, cleanPath)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0077 != 0 {
		if err := os.Chmod(cleanPath, PermSecretDir); err != nil {
			return fmt.Errorf("fix directory permissions: %w", err)
		}
	}
	return nil
}

// InstanceLock is an exclusive advisory lock on a data directory, so two
// daemons never share one database and decision chain.
type InstanceLock struct {
	file *os.File
	path string
}

// AcquireInstanceLock locks dir/livenessd.lock without blocking and
// records the holder's PID in it. ErrLocked means another process holds it.
func AcquireInstanceLock(dir string) (*InstanceLock, error) {
	if err := EnsureSecureDir(dir); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "livenessd.lock")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, PermSecretFile)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := tryLockFile(f); err != nil {
		f.Close()
		holder := "unknown"
		if data, rerr := os.ReadFile(path); rerr == nil && len(data) > 0 {
			holder = strings.TrimSpace(string(data))
		}
		return nil, fmt.Errorf("%w (pid %s): %v", ErrLocked, holder, err)
	}
	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &InstanceLock{file: f, path: path}, nil
}

// Path returns the lock file path.
func (l *InstanceLock) Path() string {
	return l.path
}

// Release unlocks and closes the lock file.
func (l *InstanceLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlockFile(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
