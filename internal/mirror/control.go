package mirror

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/nexusctl/internal/nexus"
)

const (
	lockFilename = ".lock"
)

// Options controls a Run.
type Options struct {
	// Quiet suppresses all console output.
	Quiet bool

	// DryRun lists and pages through repositories without downloading.
	DryRun bool

	// Progress shows a byte progress bar per repository instead of a
	// line per file.
	Progress bool

	// Stdout receives console output. os.Stdout when nil.
	Stdout io.Writer

	// HTTPClient overrides the client built from the TLS configuration.
	HTTPClient *http.Client
}

// Report is the result of a Run.
type Report struct {
	Summary      RunSummary
	Repositories []*RepoReport
}

// Truncated returns the repositories whose component listing ended early.
func (r *Report) Truncated() []string {
	var names []string
	for _, rr := range r.Repositories {
		if rr.Partial != nil {
			names = append(names, rr.Repository)
		}
	}
	return names
}

// selectRepositories keeps the repositories named in filter, in listing
// order. An empty filter keeps every repository.
func selectRepositories(repos []nexus.Repository, filter []string) []nexus.Repository {
	if len(filter) == 0 {
		return repos
	}

	wanted := make(map[string]bool, len(filter))
	for _, name := range filter {
		wanted[name] = true
	}

	var selected []nexus.Repository
	found := make(map[string]bool, len(filter))
	for _, repo := range repos {
		if wanted[repo.Name] {
			selected = append(selected, repo)
			found[repo.Name] = true
		}
	}
	for _, name := range filter {
		if !found[name] {
			slog.Warn("repository not found on server", "repo", name)
		}
	}
	return selected
}

// validateLockFilePath validates that the lock file lies within baseDir.
func validateLockFilePath(lockFile, baseDir string) error {
	cleanLock := filepath.Clean(lockFile)
	cleanBase := filepath.Clean(baseDir)

	if strings.Contains(lockFile, "..") {
		return errors.New("unsafe lock file path (contains directory traversal): " + lockFile)
	}

	rel, err := filepath.Rel(cleanBase, cleanLock)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errors.New("lock file path outside base directory: " + lockFile)
	}
	return nil
}

// acquireLock creates and locks the lock file in dir.
// The returned function releases the lock and removes the file.
func acquireLock(dir string) (func(), error) {
	lockFile := filepath.Join(dir, lockFilename)
	if err := validateLockFilePath(lockFile, dir); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(lockFile, os.O_RDWR|os.O_CREATE, 0644) // #nosec G304,G302 - lockFile is under the validated output directory
	if err != nil {
		return nil, &FilesystemError{Op: "open", Path: lockFile, Err: err}
	}

	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "another export is running in "+dir)
	}

	return func() {
		// Remove before unlocking so that a waiting process locks a fresh file.
		if err := os.Remove(lockFile); err != nil {
			slog.Warn("failed to remove lock file", "error", err, "path", lockFile)
		}
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
	}, nil
}

// Run exports the repositories of the configured server into config.Dir.
//
// Repositories are processed one at a time, in the order the server lists
// them. repositories restricts the export to the named repositories; when
// empty, config.Repositories is used, and when that is empty too, every
// repository is exported.
//
// Only a failure to prepare the output directory or to list repositories
// is returned as an error. Failures of single pages or assets are logged
// and reflected in the report.
func Run(ctx context.Context, config *Config, repositories []string, opts Options) (*Report, error) {
	start := time.Now()

	var err error
	if err = config.Check(); err != nil {
		return nil, errors.Wrap(err, "config")
	}

	// A dry run leaves the output directory untouched, lock file included.
	var storage *Storage
	if opts.DryRun {
		storage, err = OpenStorage(config.Dir)
	} else {
		storage, err = NewStorage(config.Dir)
	}
	if err != nil {
		return nil, errors.Wrap(err, "Run")
	}

	if !opts.DryRun {
		unlock, err := acquireLock(storage.Dir())
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient, err = clonedTransport(&config.TLS, config.MaxConns)
		if err != nil {
			return nil, err
		}
	}

	client, err := nexus.NewClient(nexus.ClientConfig{
		BaseURL:           config.URL.String(),
		Username:          config.Username,
		Password:          config.Password,
		Timeout:           config.RequestTimeout.Duration,
		RequestsPerSecond: config.RequestsPerSecond,
		HTTPClient:        httpClient,
	})
	if err != nil {
		return nil, err
	}

	var stdout io.Writer = os.Stdout
	if opts.Stdout != nil {
		stdout = opts.Stdout
	}
	if opts.Quiet {
		stdout = io.Discard
	}
	cons := newConsole(stdout, !opts.Progress)

	scheduler := NewScheduler(config.MaxConns)

	cons.Printf("Starting Nexus export from: %s\n", client.BaseURL())
	cons.Printf("Base output directory: %s\n", storage.Dir())
	slog.Info("export starts", "url", client.BaseURL(), "dir", storage.Dir(), "max_conns", scheduler.MaxConns(), "dry_run", opts.DryRun)

	repos, err := client.ListRepositories(ctx)
	if err != nil {
		slog.Error("failed to get repositories", "error", err)
		return nil, errors.Wrap(err, "list repositories")
	}

	filter := repositories
	if len(filter) == 0 {
		filter = config.Repositories
	}
	selected := selectRepositories(repos, filter)
	if len(selected) == 0 {
		cons.Printf("No repositories found or failed to get repositories list.\n")
	}

	stats := NewStats()
	report := &Report{}

	for _, repo := range selected {
		if err := ctx.Err(); err != nil {
			break
		}
		if !IsValidRepoName(repo.Name) {
			slog.Error("skipping repository with unsafe name", "repo", repo.Name)
			continue
		}

		m := newMirror(repo.Name, client, storage, scheduler, stats, cons, opts)
		rr, err := m.Update(ctx)
		if rr != nil {
			report.Repositories = append(report.Repositories, rr)
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("failed to process repository", "repo", repo.Name, "error", err)
			continue
		}
	}

	report.Summary = stats.Summary(time.Since(start))
	report.Summary.Print(cons.Writer())
	if opts.DryRun {
		var planned BatchResult
		for _, rr := range report.Repositories {
			planned.Merge(rr.Assets)
		}
		cons.Printf("Dry run: %d files would be downloaded (%s declared)\n", planned.Planned, formatBytes(uint64(planned.PlannedBytes)))
	}

	slog.Info("export completed",
		"summary", report.Summary.String(),
		"truncated", report.Truncated())

	if err := ctx.Err(); err != nil {
		return report, errors.Wrap(err, "export interrupted")
	}
	return report, nil
}
