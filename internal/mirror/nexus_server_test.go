package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirrorctl/nexusctl/internal/nexus"
)

const (
	testUser     = "admin"
	testPassword = "admin123"
)

// testAsset is an asset served by NexusTestServer.
type testAsset struct {
	path    string
	content []byte
	status  int  // response status; 200 when zero
	noSize  bool // omit fileSize from the listing
	delay   time.Duration
}

// NexusTestServer provides a fake Nexus REST API for tests.
type NexusTestServer struct {
	server *httptest.Server

	mu         sync.Mutex
	repos      []string
	pages      map[string][][]testAsset // repository -> pages
	pageStatus map[string]int           // "repo/pageIndex" -> status
	listStatus int

	componentRequests atomic.Int64
	assetRequests     atomic.Int64
	assetHits         sync.Map // "repo/path" -> *atomic.Int64

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func NewNexusTestServer() *NexusTestServer {
	mock := &NexusTestServer{
		pages:      make(map[string][][]testAsset),
		pageStatus: make(map[string]int),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handleRequest))
	return mock
}

func (m *NexusTestServer) Close() {
	m.server.Close()
}

func (m *NexusTestServer) URL() string {
	return m.server.URL
}

// AddRepository registers a repository with its component pages.
// Every asset becomes a component of its own.
func (m *NexusTestServer) AddRepository(name string, pages ...[]testAsset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos = append(m.repos, name)
	m.pages[name] = pages
}

// SetPageStatus makes the component page at index of repo fail with status.
func (m *NexusTestServer) SetPageStatus(repo string, index, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageStatus[fmt.Sprintf("%s/%d", repo, index)] = status
}

// SetListStatus makes the repository listing fail with status.
func (m *NexusTestServer) SetListStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listStatus = status
}

func (m *NexusTestServer) ComponentRequests() int64 {
	return m.componentRequests.Load()
}

func (m *NexusTestServer) AssetRequests() int64 {
	return m.assetRequests.Load()
}

// AssetHits returns how often one asset was requested.
func (m *NexusTestServer) AssetHits(repo, path string) int64 {
	v, ok := m.assetHits.Load(repo + "/" + path)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// MaxInFlight returns the highest number of concurrent asset transfers seen.
func (m *NexusTestServer) MaxInFlight() int64 {
	return m.maxInFlight.Load()
}

func (m *NexusTestServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != testUser || pass != testPassword {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch {
	case r.URL.Path == "/service/rest/v1/repositories":
		m.handleRepositories(w)
	case r.URL.Path == "/service/rest/v1/components":
		m.handleComponents(w, r)
	case strings.HasPrefix(r.URL.Path, "/repository/"):
		m.handleAsset(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (m *NexusTestServer) handleRepositories(w http.ResponseWriter) {
	m.mu.Lock()
	status := m.listStatus
	repos := make([]nexus.Repository, 0, len(m.repos))
	for _, name := range m.repos {
		repos = append(repos, nexus.Repository{Name: name, Format: "raw", Type: "hosted"})
	}
	m.mu.Unlock()

	if status != 0 {
		http.Error(w, "listing failed", status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(repos)
}

func (m *NexusTestServer) handleComponents(w http.ResponseWriter, r *http.Request) {
	m.componentRequests.Add(1)

	repo := r.URL.Query().Get("repository")
	index := 0
	if token := r.URL.Query().Get("continuationToken"); token != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(token, "page-"))
		if err != nil {
			http.Error(w, "bad token", http.StatusBadRequest)
			return
		}
		index = n
	}

	m.mu.Lock()
	pages, ok := m.pages[repo]
	status := m.pageStatus[fmt.Sprintf("%s/%d", repo, index)]
	m.mu.Unlock()

	if !ok {
		http.Error(w, "no such repository", http.StatusNotFound)
		return
	}
	if status != 0 {
		http.Error(w, "page failed", status)
		return
	}

	page := nexus.Page{Items: []nexus.Component{}}
	if index < len(pages) {
		for _, a := range pages[index] {
			asset := nexus.Asset{
				DownloadURL: fmt.Sprintf("http://%s/repository/%s/%s", r.Host, repo, a.path),
				Path:        a.path,
			}
			if !a.noSize {
				size := int64(len(a.content))
				asset.FileSize = &size
			}
			page.Items = append(page.Items, nexus.Component{
				Repository: repo,
				Name:       a.path,
				Assets:     []nexus.Asset{asset},
			})
		}
	}
	if index+1 < len(pages) {
		token := fmt.Sprintf("page-%d", index+1)
		page.ContinuationToken = &token
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(page)
}

func (m *NexusTestServer) handleAsset(w http.ResponseWriter, r *http.Request) {
	m.assetRequests.Add(1)

	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	rest := strings.TrimPrefix(r.URL.Path, "/repository/")
	repo, assetPath, _ := strings.Cut(rest, "/")

	v, _ := m.assetHits.LoadOrStore(repo+"/"+assetPath, &atomic.Int64{})
	v.(*atomic.Int64).Add(1)

	var asset *testAsset
	m.mu.Lock()
	for _, page := range m.pages[repo] {
		for i := range page {
			if page[i].path == assetPath {
				asset = &page[i]
			}
		}
	}
	m.mu.Unlock()

	if asset == nil {
		http.NotFound(w, r)
		return
	}
	if asset.delay > 0 {
		time.Sleep(asset.delay)
	}
	if asset.status != 0 && asset.status != http.StatusOK {
		http.Error(w, "asset failed", asset.status)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(asset.content)))
	_, _ = w.Write(asset.content)
}

// setupTestConfig creates a configuration pointing at serverURL with an
// output directory inside the test's temp dir.
func setupTestConfig(t *testing.T, serverURL string) *Config {
	t.Helper()

	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatal("Failed to parse test URL:", err)
	}

	config := NewConfig()
	config.URL = tomlURL{u}
	config.Username = testUser
	config.Password = testPassword
	config.Dir = t.TempDir()
	config.MaxConns = 4
	config.Log.File = ""
	return config
}

// setupTestClient creates a client for the fake server.
func setupTestClient(t *testing.T, serverURL string) *nexus.Client {
	t.Helper()
	client, err := nexus.NewClient(nexus.ClientConfig{
		BaseURL:  serverURL,
		Username: testUser,
		Password: testPassword,
	})
	if err != nil {
		t.Fatal(err)
	}
	return client
}

// recordHandler counts log records by level.
type recordHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordHandler) WithGroup(string) slog.Handler      { return h }

// Errors returns the messages of ERROR records.
func (h *recordHandler) Errors() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var msgs []string
	for _, r := range h.records {
		if r.Level == slog.LevelError {
			msgs = append(msgs, r.Message)
		}
	}
	return msgs
}

// captureLogs routes the default logger to a recordHandler for the
// duration of the test. Tests using it must not run in parallel.
func captureLogs(t *testing.T) *recordHandler {
	t.Helper()
	h := &recordHandler{}
	prev := slog.Default()
	slog.SetDefault(slog.New(h))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return h
}
