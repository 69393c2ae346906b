//go:build unix

package security

import (
	"os"

	"golang.org/x/sys/unix"
)

// tryLockFile takes an exclusive flock, failing at once if it is held.
func tryLockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
