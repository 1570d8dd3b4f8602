//go:build !unix

package mirror

import "os"

// Flock is a no-op on platforms without flock(2).
type Flock struct {
	file *os.File
}

// Lock always succeeds.
func (f Flock) Lock() error { return nil }

// Unlock always succeeds.
func (f Flock) Unlock() error { return nil }
