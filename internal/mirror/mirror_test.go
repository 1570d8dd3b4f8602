package mirror

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorctl/nexusctl/internal/nexus"
)

// cancelingLister cancels the run when the listing reaches token.
type cancelingLister struct {
	*fakeLister
	token  string
	cancel context.CancelFunc
}

func (l *cancelingLister) Components(ctx context.Context, repository, token string) (*nexus.Page, error) {
	if token == l.token {
		l.cancel()
		return nil, ctx.Err()
	}
	return l.fakeLister.Components(ctx, repository, token)
}

func TestMirrorUpdateInterruptedPrintsSummary(t *testing.T) {
	t.Parallel()

	server := NewNexusTestServer()
	defer server.Close()
	server.AddRepository("releases", []testAsset{{path: "a.txt", content: []byte("abc")}})

	storage, err := NewStorage(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out bytes.Buffer
	stats := NewStats()
	m := newMirror("releases", setupTestClient(t, server.URL()), storage, NewScheduler(2), stats, newConsole(&out, true), Options{})

	size := int64(3)
	m.catalog = NewCatalog(&cancelingLister{
		fakeLister: &fakeLister{pages: map[string]*nexus.Page{
			"": {
				Items: []nexus.Component{{Assets: []nexus.Asset{{
					Path:        "a.txt",
					DownloadURL: server.URL() + "/repository/releases/a.txt",
					FileSize:    &size,
				}}}},
				ContinuationToken: strPtr("t1"),
			},
		}},
		token:  "t1",
		cancel: cancel,
	}, "releases")

	report, err := m.Update(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	require.NotNil(t, report.Summary, "an interrupted repository still gets a summary")

	assert.True(t, report.Summary.Interrupted)
	assert.Equal(t, int64(1), report.Summary.Downloaded)
	assert.Equal(t, 1, report.Assets.Downloaded)
	assert.Contains(t, out.String(), "Repository releases interrupted:")
	assert.Contains(t, out.String(), "Files downloaded: 1")
}

func TestMirrorUpdateCompletedSummary(t *testing.T) {
	t.Parallel()

	server := NewNexusTestServer()
	defer server.Close()
	server.AddRepository("releases", []testAsset{{path: "a.txt", content: []byte("abc")}})

	storage, err := NewStorage(t.TempDir())
	require.NoError(t, err)

	var out bytes.Buffer
	m := newMirror("releases", setupTestClient(t, server.URL()), storage, NewScheduler(2), NewStats(), newConsole(&out, true), Options{})

	report, err := m.Update(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report.Summary)
	assert.False(t, report.Summary.Interrupted)
	assert.Equal(t, 1, report.Pages)
	assert.Contains(t, out.String(), "Repository releases completed:")
}
