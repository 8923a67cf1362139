package embedded

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/andybalholm/brotli"
)

// maxDocumentBytes caps a fetched document after decompression.
const maxDocumentBytes = 16 << 20

// fetched is a loaded resource.
type fetched struct {
	body   []byte
	url    *url.URL // after redirects
	status int
}

// fetcher loads documents and scripts over http(s) or from file:// URLs.
type fetcher struct {
	client *http.Client
}

func (f *fetcher) fetch(ctx context.Context, target *url.URL) (*fetched, error) {
	switch target.Scheme {
	case "file":
		data, err := os.ReadFile(target.Path)
		if err != nil {
			return nil, err
		}
		return &fetched{body: data, url: target, status: http.StatusOK}, nil
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q", target.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	// Setting Accept-Encoding ourselves turns off the transport's own gzip
	// handling, so both encodings are decoded below.
	req.Header.Set("Accept-Encoding", "br, gzip")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")
	req.Header.Set("User-Agent", "pagetap")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", target, err)
	}
	body, err := decodeBody(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", target, err)
	}
	if len(body) > maxDocumentBytes {
		return nil, fmt.Errorf("%s: document exceeds %d bytes", target, maxDocumentBytes)
	}
	return &fetched{body: body, url: resp.Request.URL, status: resp.StatusCode}, nil
}

func decodeBody(encoding string, data []byte) ([]byte, error) {
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return data, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case "br":
		r = brotli.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
	return io.ReadAll(io.LimitReader(r, maxDocumentBytes+1))
}
