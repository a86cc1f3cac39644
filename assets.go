package localworker

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// contentType guesses the MIME type from the file extension.
func contentType(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext == "" {
		return "application/octet-stream"
	}
	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

// FileHandler answers file:// fetches from the local filesystem and passes
// any other request to next (http.DefaultTransport when nil). Use it as
// Options.FetchHandler to let a script read files next to it.
func FileHandler(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return fileHandler{next: next}
}

type fileHandler struct {
	next http.RoundTripper
}

func (h fileHandler) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "file" {
		return h.next.RoundTrip(req)
	}
	if req.Body != nil {
		req.Body.Close()
	}
	path := filepath.FromSlash(req.URL.Path)

	fi, err := os.Stat(path)
	switch {
	case err != nil && isNotExist(err):
		return fileResponse(req, http.StatusNotFound, "", nil), nil
	case err != nil:
		return nil, fmt.Errorf("stat %s: %w", path, err)
	case !fi.Mode().IsRegular():
		return fileResponse(req, http.StatusForbidden, "", nil), nil
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return fileResponse(req, http.StatusMethodNotAllowed, "", nil), nil
	}

	f, err := os.Open(path)
	if err != nil {
		if isNotExist(err) {
			return fileResponse(req, http.StatusNotFound, "", nil), nil
		}
		return fileResponse(req, http.StatusForbidden, "", nil), nil
	}
	if req.Method == http.MethodHead {
		f.Close()
		resp := fileResponse(req, http.StatusOK, contentType(path), nil)
		resp.ContentLength = fi.Size()
		return resp, nil
	}
	resp := fileResponse(req, http.StatusOK, contentType(path), f)
	resp.ContentLength = fi.Size()
	return resp, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func fileResponse(req *http.Request, status int, ctype string, body io.ReadCloser) *http.Response {
	header := make(http.Header)
	if ctype != "" {
		header.Set("Content-Type", ctype)
	}
	if body == nil {
		body = http.NoBody
	}
	return &http.Response{
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Body:       body,
		Request:    req,
	}
}
