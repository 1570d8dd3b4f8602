package mirror

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"

	"github.com/mirrorctl/nexusctl/internal/nexus"
)

// chunkSize is the size of the buffer asset bodies are streamed through.
const chunkSize = 8 * 1024

// Outcome is the result of processing one asset.
type Outcome int

const (
	// OutcomeFailed means the asset could not be downloaded.
	OutcomeFailed Outcome = iota
	// OutcomeDownloaded means the asset was transferred and placed.
	OutcomeDownloaded
	// OutcomeSkipped means a file of the declared size was already present.
	OutcomeSkipped
	// OutcomePlanned means the asset would be downloaded, in dry-run mode.
	OutcomePlanned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDownloaded:
		return "downloaded"
	case OutcomeSkipped:
		return "skipped"
	case OutcomePlanned:
		return "planned"
	}
	return "failed"
}

// assetGetter issues authenticated GET requests.
type assetGetter interface {
	Get(ctx context.Context, rawURL string) (*http.Response, error)
}

// Downloader transfers single assets into Storage.
type Downloader struct {
	client  assetGetter
	storage *Storage
	stats   *Stats
	console *console
	dryRun  bool

	// onChunk is called with the size of every chunk written to disk.
	onChunk func(n int)
}

// newDownloader creates a Downloader.
func newDownloader(client assetGetter, storage *Storage, stats *Stats, console *console, dryRun bool) *Downloader {
	return &Downloader{
		client:  client,
		storage: storage,
		stats:   stats,
		console: console,
		dryRun:  dryRun,
	}
}

// Download processes one asset of repo.
//
// An asset whose declared size matches an existing file is skipped without
// a request. Otherwise it is fetched and streamed into place. Failures are
// logged and counted, never returned.
func (d *Downloader) Download(ctx context.Context, repo string, asset nexus.Asset) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in download task", "repo", repo, "path", asset.Path, "recover", r, "stack", string(debug.Stack()))
			d.stats.RecordFailure(repo)
			outcome = OutcomeFailed
		}
	}()

	d.stats.Touch(repo)

	dest, err := d.storage.Destination(repo, asset.Path)
	if err != nil {
		return d.fail(repo, asset, err)
	}

	if size, ok := asset.Size(); ok {
		present, err := d.storage.Present(dest, size)
		if err != nil {
			return d.fail(repo, asset, err)
		}
		if present {
			d.stats.RecordSkip(repo)
			d.console.File("[%s] Skipping existing file: %s\n", repo, asset.Path)
			slog.Info("skipped existing file", "repo", repo, "path", asset.Path, "size", size)
			return OutcomeSkipped
		}
	}

	if d.dryRun {
		d.console.File("[%s] Would download: %s\n", repo, asset.Path)
		slog.Debug("would download", "repo", repo, "path", asset.Path)
		return OutcomePlanned
	}

	size, err := d.fetch(ctx, repo, asset, dest)
	if err != nil {
		return d.fail(repo, asset, err)
	}

	count := d.stats.RecordCompletion(repo)
	d.console.File("[%s] Downloaded (%d): %s\n", repo, count, asset.Path)
	slog.Info("successfully downloaded", "repo", repo, "path", asset.Path, "size", size)
	return OutcomeDownloaded
}

// fetch streams the asset body into a temporary file and moves it to dest.
func (d *Downloader) fetch(ctx context.Context, repo string, asset nexus.Asset, dest string) (int64, error) {
	resp, err := d.client.Get(ctx, asset.DownloadURL)
	if err != nil {
		return 0, err
	}
	defer closeRespBody(resp)

	if resp.StatusCode != http.StatusOK {
		return 0, &nexus.UpstreamError{Op: "download", URL: asset.DownloadURL, StatusCode: resp.StatusCode}
	}

	tempfile, err := d.storage.TempFile(dest)
	if err != nil {
		return 0, err
	}

	written, err := d.copy(tempfile, resp.Body, repo, asset.DownloadURL)
	if err != nil {
		d.storage.Discard(tempfile)
		return written, err
	}

	if err := d.storage.Commit(tempfile, dest); err != nil {
		return written, err
	}
	return written, nil
}

// copy writes src to dst in chunkSize pieces, counting each written chunk.
func (d *Downloader) copy(dst *os.File, src io.Reader, repo, rawURL string) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, &FilesystemError{Op: "write", Path: dst.Name(), Err: werr}
			}
			written += int64(n)
			d.stats.RecordBytes(repo, int64(n))
			if d.onChunk != nil {
				d.onChunk(n)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, nexus.WrapTransport("download", rawURL, rerr)
		}
	}
}

func (d *Downloader) fail(repo string, asset nexus.Asset, err error) Outcome {
	d.stats.RecordFailure(repo)
	attrs := []any{"repo", repo, "path", asset.Path, "error", err}
	if ue, ok := nexus.IsUpstream(err); ok {
		attrs = append(attrs, "status", ue.StatusCode)
	}
	slog.Error("failed to download", attrs...)
	d.console.File("[%s] Failed: %s (%v)\n", repo, asset.Path, err)
	return OutcomeFailed
}

// closeRespBody closes HTTP response body.
func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}
