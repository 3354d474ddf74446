// Package privacy redacts credentials and query strings from text that
// leaves the process: telemetry events, logs and API error bodies.
package privacy

import (
	"net/url"
	"regexp"
)

// Redacted replaces removed values.
const Redacted = "[REDACTED]"

var (
	queryStringPattern = regexp.MustCompile(`((?:https?|mqtts?|tcp|ssl|wss?)://[^?\s]+)\?\S*`)
	userinfoPattern    = regexp.MustCompile(`((?:https?|mqtts?|tcp|ssl|wss?|mysql)://)[^/@\s]+@`)
	secretPatterns     = []*regexp.Regexp{
		regexp.MustCompile(`(?i)token\s+[0-9a-f]{16,}`),
		regexp.MustCompile(`(?i)(api[_-]?key|token|password|passwd|secret)[=:]\S+`),
		regexp.MustCompile(`[0-9a-fA-F]{32,}`),
	}
)

// ScrubMessage strips URL query strings, URL credentials and anything
// resembling an API token or password from message.
func ScrubMessage(message string) string {
	scrubbed := queryStringPattern.ReplaceAllString(message, "$1?"+Redacted)
	scrubbed = userinfoPattern.ReplaceAllString(scrubbed, "$1"+Redacted+"@")
	for _, re := range secretPatterns {
		scrubbed = re.ReplaceAllString(scrubbed, Redacted)
	}
	return scrubbed
}

// RedactURL returns rawURL without credentials and with every query value
// replaced. Query keys are kept so requests stay distinguishable in logs.
// Unparseable input is scrubbed as free text.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ScrubMessage(rawURL)
	}
	if u.User != nil {
		u.User = url.User(Redacted)
	}
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			q[key] = []string{Redacted}
		}
		u.RawQuery = q.Encode()
	}
	u.Fragment = ""
	return u.String()
}
