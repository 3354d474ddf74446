package httpclient

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// testClient builds a client from cfg, or from DefaultConfig when cfg is nil,
// and closes it with the test.
func testClient(t *testing.T, cfg *Config) *Client {
	t.Helper()
	c := New(cfg)
	t.Cleanup(c.Close)
	return c
}

func stubServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// drain reads and closes resp so the connection can be reused.
func drain(t *testing.T, resp *http.Response) {
	t.Helper()
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	if err := resp.Body.Close(); err != nil {
		t.Logf("close body: %v", err)
	}
}
