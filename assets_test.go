package localworker

import (
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
)

func TestContentType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"index.html", "text/html; charset=utf-8"},
		{"data.json", "application/json"},
		{"no-extension", "application/octet-stream"},
		{"", "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := contentType(tt.path)
			if got != tt.want {
				t.Errorf("contentType(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestContentType_UppercaseExtension(t *testing.T) {
	got := contentType("file.HTML")
	if got == "application/octet-stream" {
		t.Error("contentType should handle uppercase extension")
	}
}

func TestContentType_UnknownExtension(t *testing.T) {
	got := contentType("file.xyz999")
	if got != "application/octet-stream" {
		t.Errorf("contentType(unknown ext) = %q, want application/octet-stream", got)
	}
}

func fileRequest(t *testing.T, method, path string) *http.Request {
	t.Helper()
	u := &url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	req, err := http.NewRequest(method, u.String(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestFileHandler_ServesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	if err := os.WriteFile(path, []byte(`{"ok":true}`), 0o644); err != nil {
		t.Fatal(err)
	}

	resp, err := FileHandler(nil).RoundTrip(fileRequest(t, http.MethodGet, path))
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %q", body)
	}
}

func TestFileHandler_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.txt")
	resp, err := FileHandler(nil).RoundTrip(fileRequest(t, http.MethodGet, path))
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestFileHandler_PathUnderFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	resp, err := FileHandler(nil).RoundTrip(fileRequest(t, http.MethodGet, filepath.Join(file, "child")))
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestFileHandler_Directory(t *testing.T) {
	resp, err := FileHandler(nil).RoundTrip(fileRequest(t, http.MethodGet, t.TempDir()))
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestFileHandler_MethodNotAllowed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(path, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	resp, err := FileHandler(nil).RoundTrip(fileRequest(t, http.MethodPut, path))
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestFileHandler_PassesOtherSchemes(t *testing.T) {
	var got string
	next := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		got = req.URL.String()
		return &http.Response{StatusCode: http.StatusTeapot, Body: http.NoBody, Header: http.Header{}}, nil
	})
	req, _ := http.NewRequest(http.MethodGet, "https://example.com/x", nil)
	resp, err := FileHandler(next).RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	if resp.StatusCode != http.StatusTeapot || got != "https://example.com/x" {
		t.Errorf("status = %d, next saw %q", resp.StatusCode, got)
	}
}
