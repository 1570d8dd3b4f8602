package mirror

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mirrorctl/nexusctl/internal/nexus"
)

// assetDownloader processes one asset.
type assetDownloader interface {
	Download(ctx context.Context, repo string, asset nexus.Asset) Outcome
}

// BatchResult counts the outcomes of one batch of assets.
type BatchResult struct {
	Downloaded int
	Skipped    int
	Failed     int

	// Planned counts assets a dry run would download, and PlannedBytes
	// their declared sizes.
	Planned      int
	PlannedBytes int64
}

func (b *BatchResult) add(outcome Outcome, asset nexus.Asset) {
	switch outcome {
	case OutcomeDownloaded:
		b.Downloaded++
	case OutcomeSkipped:
		b.Skipped++
	case OutcomePlanned:
		b.Planned++
		if size, ok := asset.Size(); ok {
			b.PlannedBytes += size
		}
	default:
		b.Failed++
	}
}

// Merge adds the counts of other to b.
func (b *BatchResult) Merge(other BatchResult) {
	b.Downloaded += other.Downloaded
	b.Skipped += other.Skipped
	b.Failed += other.Failed
	b.Planned += other.Planned
	b.PlannedBytes += other.PlannedBytes
}

// Total returns the number of assets processed.
func (b BatchResult) Total() int {
	return b.Downloaded + b.Skipped + b.Failed + b.Planned
}

// Scheduler runs asset downloads concurrently under a process-wide ceiling.
//
// The ceiling is shared by every batch run through the same Scheduler.
type Scheduler struct {
	sem      *semaphore.Weighted
	maxConns int
}

// NewScheduler creates a Scheduler allowing at most maxConns transfers at once.
func NewScheduler(maxConns int) *Scheduler {
	if maxConns < 1 {
		maxConns = 1
	}
	return &Scheduler{
		sem:      semaphore.NewWeighted(int64(maxConns)),
		maxConns: maxConns,
	}
}

// MaxConns returns the concurrency ceiling.
func (s *Scheduler) MaxConns() int {
	return s.maxConns
}

// Run downloads assets of repo and returns when all of them are done.
//
// A failed asset does not affect its siblings. The error is non-nil only
// when ctx is done before every asset was started.
func (s *Scheduler) Run(ctx context.Context, d assetDownloader, repo string, assets []nexus.Asset) (BatchResult, error) {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		result BatchResult
	)

	var err error
	for _, asset := range assets {
		if err = s.sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer s.sem.Release(1)
			outcome := d.Download(ctx, repo, asset)

			mu.Lock()
			result.add(outcome, asset)
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait() // tasks never return errors
	return result, err
}
