package protocol

import (
	"net/http"
	"sort"
	"strings"
)

// HeaderPairs flattens h into lower-cased name/value pairs, sorted by name so
// the wire form is deterministic. Multi-valued headers yield one pair each.
func HeaderPairs(h http.Header) [][2]string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([][2]string, 0, len(h))
	for _, name := range names {
		lower := strings.ToLower(name)
		for _, v := range h[name] {
			pairs = append(pairs, [2]string{lower, v})
		}
	}
	return pairs
}

// HTTPHeader rebuilds an http.Header from wire pairs.
func HTTPHeader(pairs [][2]string) http.Header {
	h := make(http.Header, len(pairs))
	for _, p := range pairs {
		h.Add(p[0], p[1])
	}
	return h
}

// HasHeader reports whether pairs contains name (case-insensitive).
func HasHeader(pairs [][2]string, name string) bool {
	for _, p := range pairs {
		if strings.EqualFold(p[0], name) {
			return true
		}
	}
	return false
}
