//go:build unix

package mirror

import (
	"os"

	"golang.org/x/sys/unix"
)

// Flock is an advisory lock on an open file.
type Flock struct {
	file *os.File
}

// Lock acquires an exclusive lock without blocking.
// It fails immediately when another process holds the lock.
func (f Flock) Lock() error {
	return unix.Flock(int(f.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

// Unlock releases the lock.
func (f Flock) Unlock() error {
	return unix.Flock(int(f.file.Fd()), unix.LOCK_UN)
}
