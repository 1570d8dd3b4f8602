package mirror

import (
	"context"
	"log/slog"

	"github.com/cheggaaa/pb/v3"

	"github.com/mirrorctl/nexusctl/internal/nexus"
)

const progressTemplate = `{{string . "repo"}} {{counters . }} {{speed . }} {{etime . }}`

// RepoReport describes how the export of one repository went.
type RepoReport struct {
	Repository string

	// Pages is the number of component pages fetched.
	Pages int

	// Partial is set when the component listing ended early.
	Partial *PartialFailure

	// Assets counts the outcomes of every asset seen.
	Assets BatchResult

	// Summary is nil when no asset of the repository was processed.
	Summary *RepoSummary
}

// Mirror exports one repository.
type Mirror struct {
	name       string
	storage    *Storage
	catalog    *Catalog
	scheduler  *Scheduler
	downloader *Downloader
	stats      *Stats
	console    *console
	progress   bool
	dryRun     bool
}

func newMirror(name string, client *nexus.Client, storage *Storage, scheduler *Scheduler, stats *Stats, console *console, opts Options) *Mirror {
	return &Mirror{
		name:       name,
		storage:    storage,
		catalog:    NewCatalog(client, name),
		scheduler:  scheduler,
		downloader: newDownloader(client, storage, stats, console, opts.DryRun),
		stats:      stats,
		console:    console,
		progress:   opts.Progress && !opts.Quiet,
		dryRun:     opts.DryRun,
	}
}

// Update drains the component listing of the repository page by page,
// downloading the assets of each page before fetching the next one.
//
// Listing and download failures are logged and reported, not returned.
// The error is non-nil when the repository directory cannot be created or
// ctx is done.
func (m *Mirror) Update(ctx context.Context) (*RepoReport, error) {
	slog.Info("processing repository", "repo", m.name)
	m.console.Printf("\nProcessing repository: %s\n", m.name)

	if !m.dryRun {
		if _, err := m.storage.RepoDir(m.name); err != nil {
			return nil, err
		}
	}

	if m.progress {
		bar := pb.New64(0)
		bar.Set(pb.Bytes, true)
		bar.Set("repo", m.name)
		bar.SetTemplateString(progressTemplate)
		bar.SetWriter(m.console.Writer())
		bar.Start()
		m.downloader.onChunk = func(n int) { bar.Add(n) }
		defer func() {
			bar.Finish()
			m.downloader.onChunk = nil
		}()
	}

	report := &RepoReport{Repository: m.name}
	pages, partial, err := m.catalog.Walk(ctx, func(ctx context.Context, page nexus.Page) error {
		assets := page.Assets()
		if len(assets) == 0 {
			return nil
		}
		res, err := m.scheduler.Run(ctx, m.downloader, m.name, assets)
		report.Assets.Merge(res)
		return err
	})
	report.Pages = pages
	report.Partial = partial
	interrupted := err != nil && ctx.Err() != nil

	if summary, ok := m.stats.Summarize(m.name); ok {
		summary.Interrupted = interrupted
		report.Summary = &summary
		summary.Print(m.console.Writer())
		slog.Info("repository processed", "repo", m.name,
			"pages", pages,
			"assets", report.Assets.Total(),
			"summary", summary.String(),
			"truncated", partial != nil,
			"interrupted", interrupted)
	} else {
		slog.Info("repository has no assets", "repo", m.name, "pages", pages, "truncated", partial != nil, "interrupted", interrupted)
	}

	if m.dryRun && report.Assets.Planned > 0 {
		m.console.Printf("Would download %d files (%s declared)\n", report.Assets.Planned, formatBytes(uint64(report.Assets.PlannedBytes)))
	}
	return report, err
}
