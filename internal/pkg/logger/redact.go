package logger

import (
	"net/url"
	"strings"
)

// RedactEmail masks a recipient address for safe logging.
// "john.doe@example.com" becomes "jo***@example.com"; local parts of
// two characters or fewer are fully masked.
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}
	return "***@" + domain
}

// RedactURL strips credentials and the query string from a URL before
// it reaches a log line. Webhook endpoints routinely carry signing
// tokens in the query, so only scheme, host and path survive.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	u.Fragment = ""
	return u.String()
}
