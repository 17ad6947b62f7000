package polite

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/practicewatch/internal/monitor"
)

// OriginKey returns the lower-cased scheme://host[:port] of rawURL with the
// scheme's default port removed.
func OriginKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", monitor.ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if scheme == "" || host == "" {
		return "", fmt.Errorf("%w: %q has no scheme or host", monitor.ErrInvalidURL, rawURL)
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return scheme + "://" + host + ":" + port, nil
	}
	return scheme + "://" + host, nil
}
