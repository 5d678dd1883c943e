package jobs

import "strings"

// NormalizeURL canonicalizes a URL for relevance-cache keying: lowercase,
// scheme dropped, leading www. collapsed, query string and fragment
// removed, trailing slash stripped. http and https forms of the same page
// normalize identically, so a score for one serves the other.
func NormalizeURL(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))

	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "//")

	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}

	s = strings.TrimPrefix(s, "www.")
	s = strings.TrimSuffix(s, "/")
	return s
}
