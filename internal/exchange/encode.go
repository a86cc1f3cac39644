// Package exchange converts HTTP exchanges to protocol messages and back.
// Both ends of the boundary issue requests and serve them: the controller
// dispatches inbound traffic to the shim, and the shim loops a script's
// outbound fetches back to the host when the host intercepts them. The
// correlation tables for both roles live here so each side owns one copy.
package exchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/cryguy/localworker/internal/protocol"
)

const formContentType = "application/x-www-form-urlencoded;charset=UTF-8"

// MaxInlineBody is the largest in-memory body carried inside the fetch
// message. Larger bodies are streamed as chunks so no single message
// outgrows a transport's frame limit.
const MaxInlineBody = 1 << 20

// EncodeRequest serializes req into a request descriptor. In-memory bodies
// (requests whose GetBody is set) up to MaxInlineBody are carried inline, as
// form pairs when the content type says so. Any other body is returned as
// stream, which the caller pumps as request-body chunks after sending the
// fetch message.
func EncodeRequest(req *http.Request) (init protocol.RequestInit, stream io.ReadCloser, err error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	init = protocol.RequestInit{
		Method:  method,
		URL:     req.URL.String(),
		Headers: protocol.HeaderPairs(req.Header),
	}
	if req.Host != "" && req.Host != req.URL.Host && !protocol.HasHeader(init.Headers, "host") {
		init.Headers = append(init.Headers, [2]string{"host", req.Host})
	}

	switch {
	case req.Body == nil || req.Body == http.NoBody:
	case req.GetBody != nil:
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return init, nil, fmt.Errorf("reading request body: %w", err)
		}
		if len(data) > MaxInlineBody {
			init.Body = &protocol.Body{Kind: protocol.BodyStream}
			stream = io.NopCloser(bytes.NewReader(data))
			break
		}
		if isForm(req.Header.Get("Content-Type")) {
			if pairs, err := parsePairs(string(data)); err == nil {
				init.Body = &protocol.Body{Kind: protocol.BodyURLSearchParams, Pairs: pairs}
				break
			}
		}
		init.Body = &protocol.Body{Kind: protocol.BodyCloned, Data: data}
	default:
		init.Body = &protocol.Body{Kind: protocol.BodyStream}
		stream = req.Body
	}
	return init, stream, nil
}

// DecodeRequest rebuilds a request from its descriptor. stream supplies the
// body for BodyStream descriptors and is ignored otherwise. Malformed
// descriptors yield a *protocol.TypeError, as a Request constructor would
// throw.
func DecodeRequest(ctx context.Context, init protocol.RequestInit, stream io.ReadCloser) (*http.Request, error) {
	for _, h := range init.Headers {
		if !httpguts.ValidHeaderFieldName(h[0]) {
			return nil, &protocol.TypeError{Message: fmt.Sprintf("invalid header name %q", h[0])}
		}
		if !httpguts.ValidHeaderFieldValue(h[1]) {
			return nil, &protocol.TypeError{Message: fmt.Sprintf("invalid value for header %q", h[0])}
		}
	}
	header := protocol.HTTPHeader(init.Headers)

	var body io.Reader
	contentLength := int64(0)
	if b := init.Body; b != nil {
		switch b.Kind {
		case protocol.BodyCloned:
			body = bytes.NewReader(b.Data)
			contentLength = int64(len(b.Data))
		case protocol.BodyURLSearchParams:
			encoded := encodePairs(b.Pairs)
			body = strings.NewReader(encoded)
			contentLength = int64(len(encoded))
			if header.Get("Content-Type") == "" {
				header.Set("Content-Type", formContentType)
			}
		case protocol.BodyStream:
			if stream == nil {
				return nil, &protocol.TypeError{Message: "stream body without a stream"}
			}
			body = stream
			contentLength = -1
		default:
			return nil, &protocol.TypeError{Message: fmt.Sprintf("unknown body kind %q", b.Kind)}
		}
	}

	method := init.Method
	if method == "" {
		method = http.MethodGet
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, &protocol.TypeError{Message: fmt.Sprintf("invalid method %q", method)}
	}
	req, err := http.NewRequestWithContext(ctx, method, init.URL, body)
	if err != nil {
		return nil, &protocol.TypeError{Message: err.Error()}
	}
	req.Header = header
	req.ContentLength = contentLength
	if host := header.Get("Host"); host != "" {
		req.Host = host
	}
	if xff := header.Get("X-Forwarded-For"); xff != "" {
		req.RemoteAddr = strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	return req, nil
}

func isForm(contentType string) bool {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.EqualFold(strings.TrimSpace(mt), "application/x-www-form-urlencoded")
}

// parsePairs splits a urlencoded body keeping pair order, which url.Values
// would lose.
func parsePairs(s string) ([][2]string, error) {
	var pairs [][2]string
	for _, part := range strings.Split(s, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, err
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, [2]string{key, val})
	}
	return pairs, nil
}

func encodePairs(pairs [][2]string) string {
	var sb strings.Builder
	for i, p := range pairs {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(p[0]))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(p[1]))
	}
	return sb.String()
}
