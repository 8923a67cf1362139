package embedded

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func brotlied(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestFetch_Encodings(t *testing.T) {
	const body = "<p>compressed</p>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "br, gzip", r.Header.Get("Accept-Encoding"))
		switch r.URL.Path {
		case "/gzip":
			w.Header().Set("Content-Encoding", "gzip")
			w.Write(gzipped(t, body))
		case "/br":
			w.Header().Set("Content-Encoding", "br")
			w.Write(brotlied(t, body))
		case "/moved":
			http.Redirect(w, r, "/plain", http.StatusFound)
		default:
			w.Write([]byte(body))
		}
	}))
	defer srv.Close()

	f := &fetcher{client: srv.Client()}
	for _, path := range []string{"/gzip", "/br", "/plain"} {
		t.Run(path, func(t *testing.T) {
			u, _ := url.Parse(srv.URL + path)
			res, err := f.fetch(context.Background(), u)
			require.NoError(t, err)
			assert.Equal(t, body, string(res.body))
			assert.Equal(t, http.StatusOK, res.status)
		})
	}

	u, _ := url.Parse(srv.URL + "/moved")
	res, err := f.fetch(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, "/plain", res.url.Path)
}

func TestFetch_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(path, []byte("<h1>file</h1>"), 0o644))

	u, err := pageURL(path)
	require.NoError(t, err)
	assert.Equal(t, "file", u.Scheme)

	res, err := (&fetcher{client: http.DefaultClient}).fetch(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, "<h1>file</h1>", string(res.body))
}

func TestFetch_UnsupportedScheme(t *testing.T) {
	u, _ := url.Parse("ftp://example.test/x")
	_, err := (&fetcher{client: http.DefaultClient}).fetch(context.Background(), u)
	assert.ErrorContains(t, err, "ftp")
}

func TestDecodeBody_UnknownEncoding(t *testing.T) {
	_, err := decodeBody("compress", []byte("x"))
	assert.Error(t, err)
}
