package jsengine

import (
	"encoding/json"
	"net/url"
	"strings"
)

const bufGlobal = "__lw_buf"

// urlParts is the JSON shape the URL class reads.
type urlParts struct {
	Href     string `json:"href"`
	Origin   string `json:"origin"`
	Protocol string `json:"protocol"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Hostname string `json:"hostname"`
	Port     string `json:"port"`
	Pathname string `json:"pathname"`
	Search   string `json:"search"`
	Hash     string `json:"hash"`
}

// parseURL resolves href against base. It returns nil when the result is
// not an absolute URL.
func parseURL(href, base string) *urlParts {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return nil
	}
	if base != "" {
		b, err := url.Parse(base)
		if err != nil || b.Scheme == "" {
			return nil
		}
		u = b.ResolveReference(u)
	}
	if u.Scheme == "" {
		return nil
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	special := u.Scheme == "http" || u.Scheme == "https" || u.Scheme == "ws" || u.Scheme == "wss"
	if special {
		if u.Host == "" {
			return nil
		}
		if u.Path == "" {
			u.Path = "/"
		}
		if u.Port() == defaultPorts[u.Scheme] {
			u.Host = u.Hostname()
		}
	}

	p := &urlParts{
		Href:     u.String(),
		Protocol: u.Scheme + ":",
		Host:     u.Host,
		Hostname: u.Hostname(),
		Port:     u.Port(),
		Pathname: u.EscapedPath(),
		Origin:   "null",
	}
	if u.Opaque != "" {
		p.Pathname = u.Opaque
	}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	if u.RawQuery != "" {
		p.Search = "?" + u.RawQuery
	}
	if u.Fragment != "" {
		p.Hash = "#" + u.EscapedFragment()
	}
	if special {
		p.Origin = u.Scheme + "://" + u.Host
	}
	return p
}

var defaultPorts = map[string]string{"http": "80", "https": "443", "ws": "80", "wss": "443"}

func (w *worker) setupEncoding() error {
	if err := w.register("__lw_utf8_encode", func(s string) (string, error) {
		return "", w.vm.WriteBinaryToJS(bufGlobal, []byte(s))
	}); err != nil {
		return err
	}
	if err := w.register("__lw_utf8_decode", func() (string, error) {
		data, err := w.vm.ReadBinaryFromJS(bufGlobal)
		if err != nil {
			return "", err
		}
		return strings.ToValidUTF8(string(data), "�"), nil
	}); err != nil {
		return err
	}
	return w.register("__lw_url_parse", func(href, base string) string {
		p := parseURL(href, base)
		if p == nil {
			return ""
		}
		data, _ := json.Marshal(p)
		return string(data)
	})
}
