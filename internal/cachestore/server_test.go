package cachestore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type caches struct {
	worker     *Dir
	shared     *Dir
	index      *Index
	workerHost string
	sharedURL  string
}

func newCaches(t *testing.T) *caches {
	t.Helper()
	workerDir, err := OpenDir(t.TempDir())
	require.NoError(t, err)
	sharedDir, err := OpenDir(t.TempDir())
	require.NoError(t, err)
	ix := openTestIndex(t)

	workerSrv := httptest.NewServer(NewServer(workerDir, Options{}))
	t.Cleanup(workerSrv.Close)

	now := func() time.Time { return time.Unix(1700000000, 0) }
	sharedSrv := httptest.NewServer(NewServer(sharedDir, Options{Index: ix, AllowFetch: true, Now: now}))
	t.Cleanup(sharedSrv.Close)

	return &caches{
		worker:     workerDir,
		shared:     sharedDir,
		index:      ix,
		workerHost: strings.TrimPrefix(workerSrv.URL, "http://"),
		sharedURL:  sharedSrv.URL,
	}
}

func do(t *testing.T, method, url string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_PresenceAndDownload(t *testing.T) {
	c := newCaches(t)
	_, err := c.shared.Put("k.chunk.a", strings.NewReader("data"))
	require.NoError(t, err)

	status, _ := do(t, http.MethodHead, c.sharedURL+"/1.0/artifacts?filename=k.chunk.a")
	assert.Equal(t, http.StatusOK, status)

	status, body := do(t, http.MethodGet, c.sharedURL+"/1.0/artifacts?filename=k.chunk.a")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "data", body)

	status, _ = do(t, http.MethodHead, c.sharedURL+"/1.0/artifacts?filename=k.chunk.missing")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, http.MethodGet, c.sharedURL+"/1.0/artifacts?filename=../etc")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, http.MethodPost, c.sharedURL+"/1.0/artifacts?filename=k.chunk.a")
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

func TestServer_FetchPullsFromWorker(t *testing.T) {
	c := newCaches(t)
	_, err := c.worker.Put("k.stratum.core", strings.NewReader("stratum"))
	require.NoError(t, err)
	_, err = c.worker.Put("k.stratum.core.meta", strings.NewReader("{}"))
	require.NoError(t, err)

	status, body := do(t, http.MethodGet,
		c.sharedURL+"/1.0/fetch?host="+c.workerHost+"&cacheid=k&artifacts=stratum.core,stratum.core.meta")
	require.Equal(t, http.StatusOK, status, body)

	var res fetchResult
	require.NoError(t, json.Unmarshal([]byte(body), &res))
	assert.Equal(t, []string{"k.stratum.core", "k.stratum.core.meta"}, res.Stored)

	assert.True(t, c.shared.Has("k.stratum.core"))
	assert.True(t, c.shared.Has("k.stratum.core.meta"))

	e, ok, err := c.index.Lookup(context.Background(), "k.stratum.core")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c.workerHost, e.Origin)
	assert.Equal(t, int64(7), e.Size)
	assert.Equal(t, int64(1700000000), e.StoredAt)

	fetches, err := c.index.Fetches(context.Background(), "k")
	require.NoError(t, err)
	require.Len(t, fetches, 1)
	assert.True(t, fetches[0].OK)

	status, body = do(t, http.MethodGet, c.sharedURL+"/1.0/list?cacheid=k")
	require.Equal(t, http.StatusOK, status)
	var entries []Entry
	require.NoError(t, json.Unmarshal([]byte(body), &entries))
	assert.Len(t, entries, 2)
}

func TestServer_FetchFailsWhenWorkerLacksFile(t *testing.T) {
	c := newCaches(t)

	status, _ := do(t, http.MethodGet,
		c.sharedURL+"/1.0/fetch?host="+c.workerHost+"&cacheid=k&artifacts=chunk.a")
	assert.Equal(t, http.StatusBadGateway, status)
	assert.False(t, c.shared.Has("k.chunk.a"))

	fetches, err := c.index.Fetches(context.Background(), "k")
	require.NoError(t, err)
	require.Len(t, fetches, 1)
	assert.False(t, fetches[0].OK)
	assert.Contains(t, fetches[0].Error, "status 404")
}

func TestServer_FetchRequiresParameters(t *testing.T) {
	c := newCaches(t)

	status, _ := do(t, http.MethodGet, c.sharedURL+"/1.0/fetch?cacheid=k")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestServer_WorkerCacheHasNoFetchOrList(t *testing.T) {
	d, err := OpenDir(t.TempDir())
	require.NoError(t, err)
	srv := httptest.NewServer(NewServer(d, Options{}))
	defer srv.Close()

	status, _ := do(t, http.MethodGet, srv.URL+"/1.0/fetch?host=x&cacheid=k&artifacts=chunk.a")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = do(t, http.MethodGet, srv.URL+"/1.0/list")
	assert.Equal(t, http.StatusNotFound, status)
}
