package policy

import (
	"net/url"
	"path"
	"strings"
)

// Key derives the deterministic cache fingerprint for a request from its
// method, normalized URL and relevant query parameters. Two logically
// identical requests always produce the same key: the host is lowercased,
// default ports and fragments are stripped, the path is cleaned, and
// parameters are merged with the URL's own query and sorted.
func Key(method, rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		// an unparseable URL still needs a stable fingerprint
		return strings.ToUpper(method) + ":" + rawURL
	}

	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if host, port, ok := strings.Cut(u.Host, ":"); ok {
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			u.Host = host
		}
	}
	if u.Path != "" {
		cleaned := path.Clean(u.Path)
		if strings.HasSuffix(u.Path, "/") && cleaned != "/" {
			cleaned += "/"
		}
		u.Path = cleaned
	}

	query := u.Query()
	for name, values := range params {
		for _, v := range values {
			query.Add(name, v)
		}
	}
	u.RawQuery = query.Encode() // Encode sorts by parameter name

	return strings.ToUpper(method) + ":" + u.String()
}
