package mirror

import (
	"fmt"
	"io"
	"sync"
	"time"
)

const bytesPerMB = 1024 * 1024

// RepoStats holds the counters of one repository.
type RepoStats struct {
	DownloadedAssets int64
	DownloadedBytes  int64
	SkippedAssets    int64
	FailedAssets     int64
	StartTime        time.Time
}

// Stats accumulates per-repository counters shared by concurrent downloads.
//
// A repository's entry is created the first time any of its assets is
// touched and is never reset.
type Stats struct {
	mu    sync.Mutex
	repos map[string]*RepoStats
	order []string
	now   func() time.Time
}

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return &Stats{
		repos: make(map[string]*RepoStats),
		now:   time.Now,
	}
}

// get returns the entry of repo, creating it if needed. s.mu must be held.
func (s *Stats) get(repo string) *RepoStats {
	rs, ok := s.repos[repo]
	if !ok {
		rs = &RepoStats{StartTime: s.now()}
		s.repos[repo] = rs
		s.order = append(s.order, repo)
	}
	return rs
}

// Touch records that an asset of repo is being processed.
func (s *Stats) Touch(repo string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(repo)
}

// RecordBytes adds n written bytes to repo.
func (s *Stats) RecordBytes(repo string, n int64) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(repo).DownloadedBytes += n
}

// RecordCompletion counts one downloaded asset and returns the new count.
func (s *Stats) RecordCompletion(repo string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.get(repo)
	rs.DownloadedAssets++
	return rs.DownloadedAssets
}

// RecordSkip counts one asset that was already present.
func (s *Stats) RecordSkip(repo string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(repo).SkippedAssets++
}

// RecordFailure counts one asset that could not be downloaded.
func (s *Stats) RecordFailure(repo string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(repo).FailedAssets++
}

// lookup returns a copy of the counters of repo.
func (s *Stats) lookup(repo string) (RepoStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.repos[repo]
	if !ok {
		return RepoStats{}, false
	}
	return *rs, true
}

// Summarize derives the summary of repo, measuring elapsed time from its
// first touch until now. The second value is false when repo was never touched.
func (s *Stats) Summarize(repo string) (RepoSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.repos[repo]
	if !ok {
		return RepoSummary{}, false
	}
	return RepoSummary{
		Repository: repo,
		Downloaded: rs.DownloadedAssets,
		Skipped:    rs.SkippedAssets,
		Failed:     rs.FailedAssets,
		Bytes:      rs.DownloadedBytes,
		Elapsed:    s.now().Sub(rs.StartTime),
	}, true
}

// Summary aggregates every repository into a run-wide summary.
func (s *Stats) Summary(elapsed time.Duration) RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := RunSummary{
		Repositories: len(s.repos),
		Elapsed:      elapsed,
	}
	for _, repo := range s.order {
		rs := s.repos[repo]
		sum.Downloaded += rs.DownloadedAssets
		sum.Skipped += rs.SkippedAssets
		sum.Failed += rs.FailedAssets
		sum.Bytes += rs.DownloadedBytes
	}
	return sum
}

func throughput(bytes int64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(bytes) / bytesPerMB / secs
}

// RepoSummary is the report of one repository.
type RepoSummary struct {
	Repository string
	Downloaded int64
	Skipped    int64
	Failed     int64
	Bytes      int64
	Elapsed    time.Duration

	// Interrupted is set when the run was canceled while the repository
	// was being exported.
	Interrupted bool
}

// TotalMB returns the downloaded size in MiB.
func (r RepoSummary) TotalMB() float64 {
	return float64(r.Bytes) / bytesPerMB
}

// MBps returns the average throughput, or 0 when no time has elapsed.
func (r RepoSummary) MBps() float64 {
	return throughput(r.Bytes, r.Elapsed)
}

func (r RepoSummary) String() string {
	return fmt.Sprintf("%s: downloaded=%d, skipped=%d, failed=%d, size=%.2f MB, elapsed=%.2fs, speed=%.2f MB/s",
		r.Repository, r.Downloaded, r.Skipped, r.Failed, r.TotalMB(), r.Elapsed.Seconds(), r.MBps())
}

// Print writes the human-readable report of the repository.
func (r RepoSummary) Print(w io.Writer) {
	state := "completed"
	if r.Interrupted {
		state = "interrupted"
	}
	fmt.Fprintf(w, "\nRepository %s %s:\n", r.Repository, state)
	fmt.Fprintf(w, "Files downloaded: %d\n", r.Downloaded)
	fmt.Fprintf(w, "Files skipped: %d\n", r.Skipped)
	if r.Failed > 0 {
		fmt.Fprintf(w, "Files failed: %d\n", r.Failed)
	}
	fmt.Fprintf(w, "Total size: %.2f MB\n", r.TotalMB())
	fmt.Fprintf(w, "Average speed: %.2f MB/s\n", r.MBps())
}

// RunSummary is derived from the counters of every repository at the end of a run.
type RunSummary struct {
	Repositories int
	Downloaded   int64
	Skipped      int64
	Failed       int64
	Bytes        int64
	Elapsed      time.Duration
}

// TotalMB returns the downloaded size in MiB.
func (r RunSummary) TotalMB() float64 {
	return float64(r.Bytes) / bytesPerMB
}

// MBps returns the overall throughput, or 0 when no time has elapsed.
func (r RunSummary) MBps() float64 {
	return throughput(r.Bytes, r.Elapsed)
}

func (r RunSummary) String() string {
	return fmt.Sprintf("repositories=%d, downloaded=%d, skipped=%d, failed=%d, size=%.2f MB, elapsed=%.2fs, speed=%.2f MB/s",
		r.Repositories, r.Downloaded, r.Skipped, r.Failed, r.TotalMB(), r.Elapsed.Seconds(), r.MBps())
}

// Print writes the human-readable report of the run.
func (r RunSummary) Print(w io.Writer) {
	fmt.Fprintln(w, "\nOverall Export Summary:")
	fmt.Fprintf(w, "Total repositories processed: %d\n", r.Repositories)
	fmt.Fprintf(w, "Total files downloaded: %d\n", r.Downloaded)
	fmt.Fprintf(w, "Total files skipped: %d\n", r.Skipped)
	if r.Failed > 0 {
		fmt.Fprintf(w, "Total files failed: %d\n", r.Failed)
	}
	fmt.Fprintf(w, "Total size downloaded: %.2f MB\n", r.TotalMB())
	fmt.Fprintf(w, "Total time: %.2f seconds\n", r.Elapsed.Seconds())
	if r.Elapsed > 0 {
		fmt.Fprintf(w, "Overall average speed: %.2f MB/s\n", r.MBps())
	}
}
