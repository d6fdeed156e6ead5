package anonymizer

import (
	"net/url"
	"strings"
)

// IsOnionURL reports whether rawURL's host is a .onion hidden service —
// such a URL is only reachable through the SOCKS5 daemon, so it always
// implies anonymizer routing regardless of the per-job or global
// force_anonymizer setting.
func IsOnionURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Hostname()), ".onion")
}
