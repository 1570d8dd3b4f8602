package nexus

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, serverURL string, mod func(*ClientConfig)) *Client {
	t.Helper()
	config := ClientConfig{
		BaseURL:  serverURL,
		Username: "admin",
		Password: "admin123",
	}
	if mod != nil {
		mod(&config)
	}
	client, err := NewClient(config)
	require.NoError(t, err)
	return client
}

// assertAuth runs inside handler goroutines, so it must not call t.FailNow.
func assertAuth(t *testing.T, r *http.Request) {
	t.Helper()
	user, pass, ok := r.BasicAuth()
	assert.True(t, ok, "request without basic auth")
	assert.Equal(t, "admin", user)
	assert.Equal(t, "admin123", pass)
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  ClientConfig
		wantErr bool
		wantURL string
	}{
		{name: "adds trailing slash", config: ClientConfig{BaseURL: "http://localhost:8081"}, wantURL: "http://localhost:8081/"},
		{name: "keeps context path", config: ClientConfig{BaseURL: "https://repo.example.com/nexus"}, wantURL: "https://repo.example.com/nexus/"},
		{name: "unsupported scheme", config: ClientConfig{BaseURL: "ftp://localhost"}, wantErr: true},
		{name: "missing host", config: ClientConfig{BaseURL: "http://"}, wantErr: true},
		{name: "negative timeout", config: ClientConfig{BaseURL: "http://localhost", Timeout: -time.Second}, wantErr: true},
		{name: "negative rate", config: ClientConfig{BaseURL: "http://localhost", RequestsPerSecond: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.config)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantURL, client.BaseURL())
		})
	}
}

func TestListRepositories(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		assert.Equal(t, "/service/rest/v1/repositories", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"name":"releases","format":"maven2","type":"hosted"},{"name":"npm-proxy","format":"npm","type":"proxy"}]`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	repos, err := client.ListRepositories(context.Background())
	require.NoError(t, err)
	require.Len(t, repos, 2)
	require.Equal(t, "releases", repos[0].Name)
	require.Equal(t, "maven2", repos[0].Format)
	require.Equal(t, "npm-proxy", repos[1].Name)
}

func TestListRepositoriesUpstreamError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "access denied", http.StatusForbidden)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	_, err := client.ListRepositories(context.Background())
	require.Error(t, err)

	ue, ok := IsUpstream(err)
	require.True(t, ok, "expected UpstreamError, got %T", err)
	require.Equal(t, http.StatusForbidden, ue.StatusCode)
	require.Equal(t, "access denied", ue.Body)
	require.Contains(t, err.Error(), "status 403")
}

func TestListRepositoriesTransportError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	serverURL := server.URL
	server.Close()

	client := newTestClient(t, serverURL, nil)
	_, err := client.ListRepositories(context.Background())
	require.Error(t, err)

	var te *TransportError
	require.True(t, errors.As(err, &te), "expected TransportError, got %T", err)
}

func TestComponentsPagination(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		assert.Equal(t, "/service/rest/v1/components", r.URL.Path)
		assert.Equal(t, "releases", r.URL.Query().Get("repository"))

		var body string
		switch r.URL.Query().Get("continuationToken") {
		case "":
			assert.False(t, r.URL.Query().Has("continuationToken"), "first page must not send a token")
			body = `{"items":[{"name":"x","version":"1.0","assets":[
				{"downloadUrl":"http://example.com/x.jar","path":"com/x/1.0/x.jar","fileSize":12},
				{"downloadUrl":"http://example.com/x.pom","path":"com/x/1.0/x.pom"}]}],
				"continuationToken":"abc=="}`
		case "abc==":
			body = `{"items":[],"continuationToken":null}`
		default:
			t.Errorf("unexpected token %q", r.URL.Query().Get("continuationToken"))
		}
		_, _ = io.WriteString(w, body)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)

	page, err := client.Components(context.Background(), "releases", "")
	require.NoError(t, err)
	assets := page.Assets()
	require.Len(t, assets, 2)

	size, ok := assets[0].Size()
	require.True(t, ok)
	require.EqualValues(t, 12, size)
	_, ok = assets[1].Size()
	require.False(t, ok)

	token, ok := page.Next()
	require.True(t, ok)
	require.Equal(t, "abc==", token)

	page, err = client.Components(context.Background(), "releases", token)
	require.NoError(t, err)
	require.Empty(t, page.Assets())
	_, ok = page.Next()
	require.False(t, ok)
}

func TestPageNext(t *testing.T) {
	t.Parallel()

	empty := ""
	token := "t1"

	var nilPage *Page
	_, ok := nilPage.Next()
	require.False(t, ok)

	_, ok = (&Page{}).Next()
	require.False(t, ok)

	_, ok = (&Page{ContinuationToken: &empty}).Next()
	require.False(t, ok)

	next, ok := (&Page{ContinuationToken: &token}).Next()
	require.True(t, ok)
	require.Equal(t, "t1", next)

	var page Page
	require.NoError(t, json.Unmarshal([]byte(`{"items":[],"continuationToken":null}`), &page))
	_, ok = page.Next()
	require.False(t, ok)
}

func TestGetTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := newTestClient(t, server.URL, func(c *ClientConfig) {
		c.Timeout = 50 * time.Millisecond
	})

	_, err := client.ListRepositories(context.Background())
	require.Error(t, err)

	var te *TimeoutError
	require.True(t, errors.As(err, &te), "expected TimeoutError, got %T: %v", err, err)
}

func TestGetRateLimit(t *testing.T) {
	t.Parallel()

	var count atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		count.Add(1)
		_, _ = io.WriteString(w, "[]")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, func(c *ClientConfig) {
		c.RequestsPerSecond = 20
	})

	start := time.Now()
	for i := 0; i < 25; i++ {
		_, err := client.ListRepositories(context.Background())
		require.NoError(t, err)
	}
	require.EqualValues(t, 25, count.Load())
	// 20 burst tokens, the remaining 5 are paced at 20/s.
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}
