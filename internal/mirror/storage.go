package mirror

import (
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	tempPattern = ".nexusctl-*.part"
)

// validatePath validates that an asset path is safe for use within a
// repository directory and returns it in cleaned slash form.
//
// Leading slashes are dropped. Paths that are empty or that would escape
// the repository directory are rejected.
func validatePath(p string) (string, error) {
	trimmed := strings.TrimLeft(p, "/")
	if trimmed == "" {
		return "", errors.New("empty asset path")
	}
	for _, elem := range strings.Split(trimmed, "/") {
		if elem == ".." {
			return "", errors.New("unsafe path (contains directory traversal): " + p)
		}
	}
	if strings.ContainsRune(trimmed, 0) {
		return "", errors.New("unsafe path (contains NUL): " + p)
	}

	cleaned := path.Clean(trimmed)
	if cleaned == "." {
		return "", errors.New("empty asset path")
	}
	return cleaned, nil
}

// Storage manages the output tree of an export.
//
// Every repository owns the subdirectory named after it; assets are
// placed below that directory at their relative path.
type Storage struct {
	dir string
}

// NewStorage constructs Storage rooted at dir, creating it as needed.
func NewStorage(dir string) (*Storage, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, &FilesystemError{Op: "resolve", Path: dir, Err: err}
	}

	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, &FilesystemError{Op: "mkdir", Path: abs, Err: err}
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, &FilesystemError{Op: "stat", Path: abs, Err: err}
	}
	if !st.Mode().IsDir() {
		return nil, &FilesystemError{Op: "stat", Path: abs, Err: errors.New("not a directory")}
	}

	return &Storage{dir: abs}, nil
}

// OpenStorage constructs Storage rooted at dir without creating anything.
// It serves runs that only read the tree.
func OpenStorage(dir string) (*Storage, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, &FilesystemError{Op: "resolve", Path: dir, Err: err}
	}
	return &Storage{dir: abs}, nil
}

// Dir returns the root directory of the Storage.
func (s *Storage) Dir() string {
	return s.dir
}

// RepoDir creates the directory of a repository and returns its path.
//
// Temporary files left below the directory by an interrupted run are
// removed. The caller must hold the lock of the output tree.
func (s *Storage) RepoDir(repo string) (string, error) {
	if !IsValidRepoName(repo) {
		return "", &FilesystemError{Op: "mkdir", Path: repo, Err: errors.New("invalid repository name")}
	}
	d := filepath.Join(s.dir, repo)
	if err := os.MkdirAll(d, 0755); err != nil {
		return "", &FilesystemError{Op: "mkdir", Path: d, Err: err}
	}
	if n := sweepTempFiles(d); n > 0 {
		slog.Info("removed stale temporary files", "repo", repo, "count", n)
	}
	return d, nil
}

// sweepTempFiles removes every file below dir whose name matches
// tempPattern and returns how many were removed.
func sweepTempFiles(dir string) int {
	removed := 0
	err := filepath.WalkDir(dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("failed to scan for temp files", "path", p, "error", err)
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		if ok, _ := filepath.Match(tempPattern, entry.Name()); !ok {
			return nil
		}
		if err := os.Remove(p); err != nil {
			slog.Warn("failed to remove temp file", "file", p, "error", err)
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		slog.Warn("failed to scan for temp files", "path", dir, "error", err)
	}
	return removed
}

// Destination returns the full path an asset of repo is stored at.
func (s *Storage) Destination(repo, assetPath string) (string, error) {
	if !IsValidRepoName(repo) {
		return "", &FilesystemError{Op: "resolve", Path: repo, Err: errors.New("invalid repository name")}
	}
	p, err := validatePath(assetPath)
	if err != nil {
		return "", &FilesystemError{Op: "resolve", Path: assetPath, Err: err}
	}
	return filepath.Join(s.dir, repo, filepath.FromSlash(p)), nil
}

// Present reports whether a regular file of exactly size bytes exists at dest.
func (s *Storage) Present(dest string, size int64) (bool, error) {
	st, err := os.Stat(dest)
	switch {
	case os.IsNotExist(err):
		return false, nil
	case err != nil:
		return false, &FilesystemError{Op: "stat", Path: dest, Err: err}
	}
	return st.Mode().IsRegular() && st.Size() == size, nil
}

// TempFile creates a temporary file in the directory of dest, creating
// that directory as needed. The file is later passed to Commit or Discard.
func (s *Storage) TempFile(dest string) (*os.File, error) {
	d := filepath.Dir(dest)
	if err := os.MkdirAll(d, 0755); err != nil {
		return nil, &FilesystemError{Op: "mkdir", Path: d, Err: err}
	}
	f, err := os.CreateTemp(d, tempPattern)
	if err != nil {
		return nil, &FilesystemError{Op: "create", Path: d, Err: err}
	}
	return f, nil
}

// Commit flushes tempfile and renames it to dest, replacing any file there.
// tempfile is closed, and removed on failure.
func (s *Storage) Commit(tempfile *os.File, dest string) error {
	name := tempfile.Name()
	if err := tempfile.Sync(); err != nil {
		s.Discard(tempfile)
		return &FilesystemError{Op: "sync", Path: name, Err: err}
	}
	if err := tempfile.Close(); err != nil {
		removeFile(name)
		return &FilesystemError{Op: "close", Path: name, Err: err}
	}
	if err := os.Chmod(name, 0644); err != nil {
		removeFile(name)
		return &FilesystemError{Op: "chmod", Path: name, Err: err}
	}
	if err := os.Rename(name, dest); err != nil {
		removeFile(name)
		return &FilesystemError{Op: "rename", Path: dest, Err: err}
	}
	if err := DirSync(filepath.Dir(dest)); err != nil {
		slog.Warn("failed to sync directory", "path", filepath.Dir(dest), "error", err)
	}
	return nil
}

// Discard closes and removes a temporary file.
func (s *Storage) Discard(tempfile *os.File) {
	closeAndRemoveFile(tempfile)
}

// closeAndRemoveFile closes and removes a temporary file.
func closeAndRemoveFile(f *os.File) {
	filename := f.Name()
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		slog.Warn("failed to close temp file", "file", filename, "error", err)
	}
	removeFile(filename)
}

func removeFile(filename string) {
	if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove temp file", "file", filename, "error", err)
	}
}
