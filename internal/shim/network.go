package shim

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// networkTransport sends a script's fetches to the real network. Like a
// browser fetch it asks for compressed responses and hands the script the
// decoded body.
type networkTransport struct {
	base http.RoundTripper
}

func newNetworkTransport(base http.RoundTripper) http.RoundTripper {
	return &networkTransport{base: base}
}

func (t *networkTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	decode := false
	if req.Header.Get("Accept-Encoding") == "" && req.Method != http.MethodHead {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", "br, gzip")
		decode = true
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil || !decode {
		return resp, err
	}
	if err := decodeBody(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

type decodedBody struct {
	io.Reader
	raw io.Closer
}

func (b *decodedBody) Close() error { return b.raw.Close() }

func decodeBody(resp *http.Response) error {
	if resp.ContentLength == 0 || resp.Body == http.NoBody {
		return nil
	}
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		r = brotli.NewReader(resp.Body)
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("decoding gzip response: %w", err)
		}
		r = zr
	default:
		return nil
	}
	resp.Body = &decodedBody{Reader: r, raw: resp.Body}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}
