package waterbutler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"osf-archiver/goutils/datamodel"
	"osf-archiver/goutils/settings"
)

func testSettings(url string) *settings.SettingsObj {
	return &settings.SettingsObj{
		HttpClient: &settings.HTTPClient{
			MaxIdleConns:        1,
			MaxConnsPerHost:     1,
			MaxIdleConnsPerHost: 1,
			IdleConnTimeout:     60,
		},
		WaterButler: &settings.WaterButler{
			URL:           url,
			Timeout:       5,
			ListRateLimit: &settings.RateLimiter{RequestsPerSec: -1},
		},
	}
}

func TestWaterButler_Copy(t *testing.T) {
	var received datamodel.CopyRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/ops/copy", r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)

		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	wb := InitWaterButler(testSettings(server.URL))

	copyReq := &datamodel.CopyRequest{
		Source:      datamodel.CopyLocation{Cookie: "c", NodeID: "src", Provider: "dropbox", Path: "/"},
		Destination: datamodel.CopyLocation{Cookie: "c", NodeID: "dst", Provider: "osfstorage", Path: "/"},
		Rename:      "Archive of Dropbox",
	}

	res, err := wb.Copy(context.Background(), copyReq)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, *copyReq, received)
}

func TestWaterButler_CopyServerErrorIsNotRetried(t *testing.T) {
	calls := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message": "provider unavailable"}`))
	}))
	defer server.Close()

	wb := InitWaterButler(testSettings(server.URL))

	res, err := wb.Copy(context.Background(), &datamodel.CopyRequest{})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, []string{"provider unavailable"}, ErrorsFromBody(res.StatusCode, res.Body))
}

func TestWaterButler_GetFileTree(t *testing.T) {
	listings := map[string]string{
		"/v1/resources/src/providers/dropbox/": `{"data": [
			{"attributes": {"kind": "file", "name": "a.txt", "path": "/a.txt", "size": 100}},
			{"attributes": {"kind": "folder", "name": "sub", "path": "/sub/"}}
		]}`,
		"/v1/resources/src/providers/dropbox/sub/": `{"data": [
			{"attributes": {"kind": "file", "name": "b.txt", "path": "/sub/b.txt", "size": 28}}
		]}`,
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cookie-value", r.URL.Query().Get("cookie"))

		body, ok := listings[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	wb := InitWaterButler(testSettings(server.URL))

	tree, err := wb.GetFileTree(context.Background(), "cookie-value", "src", "dropbox")
	require.NoError(t, err)

	require.Len(t, tree.Children, 2)
	assert.Equal(t, "a.txt", tree.Children[0].Name)
	assert.Equal(t, 100.0, tree.Children[0].Size)
	require.Len(t, tree.Children[1].Children, 1)
	assert.Equal(t, "/sub/b.txt", tree.Children[1].Children[0].Path)
}

func TestWaterButler_GetFileTreeEscapesFolderNames(t *testing.T) {
	const prefix = "/v1/resources/src/providers/dropbox"

	listings := map[string]string{
		prefix + "/": `{"data": [
			{"attributes": {"kind": "folder", "name": "a?b", "path": "/a?b/"}},
			{"attributes": {"kind": "folder", "name": "#", "path": "/#/"}},
			{"attributes": {"kind": "folder", "name": "100%", "path": "/100%/"}},
			{"attributes": {"kind": "folder", "name": "my folder", "path": "/my folder/"}},
			{"attributes": {"kind": "folder", "name": "self", "path": "/"}}
		]}`,
		prefix + "/a?b/":       `{"data": [{"attributes": {"kind": "file", "name": "q.txt", "path": "/a?b/q.txt", "size": 1}}]}`,
		prefix + "/#/":         `{"data": [{"attributes": {"kind": "file", "name": "h.txt", "path": "/#/h.txt", "size": 2}}]}`,
		prefix + "/100%/":      `{"data": [{"attributes": {"kind": "file", "name": "p.txt", "path": "/100%/p.txt", "size": 4}}]}`,
		prefix + "/my folder/": `{"data": [{"attributes": {"kind": "file", "name": "s.txt", "path": "/my folder/s.txt", "size": 8}}]}`,
	}

	var (
		mu       sync.Mutex
		requests = make(map[string]int)
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests[r.URL.Path]++
		mu.Unlock()

		assert.Equal(t, "cookie-value", r.URL.Query().Get("cookie"))
		assert.Empty(t, r.URL.Fragment)

		body, ok := listings[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	wb := InitWaterButler(testSettings(server.URL))

	tree, err := wb.GetFileTree(context.Background(), "cookie-value", "src", "dropbox")
	require.NoError(t, err)

	require.Len(t, tree.Children, 4)

	size := 0.0
	for _, folder := range tree.Children {
		require.Len(t, folder.Children, 1, folder.Path)
		size += folder.Children[0].Size
	}

	assert.Equal(t, 15.0, size)

	mu.Lock()
	defer mu.Unlock()

	assert.Len(t, requests, 5)

	for path, count := range requests {
		assert.Equal(t, 1, count, path)
	}
}

func TestWaterButler_GetFileTreeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("forbidden"))
	}))
	defer server.Close()

	wb := InitWaterButler(testSettings(server.URL))

	_, err := wb.GetFileTree(context.Background(), "", "src", "github")
	assert.ErrorIs(t, err, ErrListingFailed)
}

func TestErrorsFromBody(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, ErrorsFromBody(400, []byte(`{"errors": ["a", "b"]}`)))
	assert.Equal(t, []string{"502: bad gateway"}, ErrorsFromBody(502, []byte("bad gateway")))
	assert.Equal(t, []string{"503: Service Unavailable"}, ErrorsFromBody(503, nil))
}
