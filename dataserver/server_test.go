package dataserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/makotom/netspeed/netspeed"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(New(Config{Logger: log.New(io.Discard, "", 0)}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func assertNoCache(t *testing.T, resp *http.Response) {
	t.Helper()
	assert.Equal(t, resp.Header.Get("Cache-Control"), "no-store, no-cache, must-revalidate, max-age=0")
	assert.Equal(t, resp.Header.Get("Pragma"), "no-cache")
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Get(url)
	assert.NilError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	assert.NilError(t, err)
	return resp, body
}

func TestPing(t *testing.T) {
	srv := newTestServer(t)

	resp, body := get(t, srv.URL+"/ping?ts=1&n=0")

	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, string(body), "pong")
	assert.Equal(t, resp.Header.Get("Content-Type"), "text/plain; charset=utf-8")
	assert.Assert(t, resp.Header.Get("X-Request-Id") != "")
	assertNoCache(t, resp)
}

func TestDownload_ClampsUpToMinimum(t *testing.T) {
	srv := newTestServer(t)

	resp, body := get(t, srv.URL+"/download?size=1000")

	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, len(body), 64*1024)
	assert.Equal(t, resp.ContentLength, int64(-1))
	assert.Equal(t, resp.Header.Get("Content-Type"), "application/octet-stream")
	assertNoCache(t, resp)
}

func TestDownload_DefaultSize(t *testing.T) {
	srv := newTestServer(t)

	_, body := get(t, srv.URL+"/download")
	assert.Equal(t, len(body), 5000000)

	_, body = get(t, srv.URL+"/download?size=garbage")
	assert.Equal(t, len(body), 5000000)
}

func TestDownload_ExactSize(t *testing.T) {
	srv := newTestServer(t)

	resp, body := get(t, srv.URL+"/download?size=200000")

	assert.Equal(t, len(body), 200000)
	assert.Equal(t, resp.ContentLength, int64(-1))
}

func TestDownload_StreamsInChunks(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/download?size=150000", nil)

	New(Config{Logger: log.New(io.Discard, "", 0), ChunkSize: 50000}).Handler().ServeHTTP(rec, req)

	assert.Equal(t, rec.Body.Len(), 150000)
	assert.Assert(t, rec.Flushed)
}

func TestDownload_RandomContent(t *testing.T) {
	srv := newTestServer(t)

	_, first := get(t, srv.URL+"/download?size=65536")
	_, second := get(t, srv.URL+"/download?size=65536")

	assert.Assert(t, !bytes.Equal(first, second))
}

func TestUpload(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/upload", "application/octet-stream", bytes.NewReader(make([]byte, 300000)))
	assert.NilError(t, err)
	defer resp.Body.Close()

	receipt := netspeed.UploadReceipt{}
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&receipt))

	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, resp.Header.Get("Content-Type"), "application/json")
	assert.Equal(t, receipt.ReceivedBytesCount, int64(300000))
	assert.Assert(t, receipt.ElapsedMilliseconds >= 0)
	assertNoCache(t, resp)
}

func TestUpload_EmptyBody(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/upload", "application/octet-stream", nil)
	assert.NilError(t, err)
	defer resp.Body.Close()

	receipt := netspeed.UploadReceipt{}
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&receipt))
	assert.Equal(t, receipt.ReceivedBytesCount, int64(0))
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := get(t, srv.URL+"/upload")
	assert.Equal(t, resp.StatusCode, http.StatusMethodNotAllowed)
	assertNoCache(t, resp)

	resp, err := http.Post(srv.URL+"/download", "text/plain", nil)
	assert.NilError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusMethodNotAllowed)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ip", nil)
	req.RemoteAddr = "192.0.2.10:51234"
	assert.Equal(t, ClientIP(req), "192.0.2.10")

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 198.51.100.1")
	assert.Equal(t, ClientIP(req), "203.0.113.7")

	req.Header.Set("X-Forwarded-For", " ")
	assert.Equal(t, ClientIP(req), "192.0.2.10")
}

func TestIPEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ip", nil)
	assert.NilError(t, err)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")

	resp, err := http.DefaultClient.Do(req)
	assert.NilError(t, err)
	defer resp.Body.Close()

	info := ipInfo{}
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, info.IP, "203.0.113.7")
}

func TestListenAndServe_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- New(Config{Logger: log.New(io.Discard, "", 0)}).ListenAndServe(ctx, "127.0.0.1:0")
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
