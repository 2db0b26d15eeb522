// Package normalize reduces finding URLs to endpoint keys so that reports
// group findings on /item/1 and /item/2 together.
package normalize

import (
	"net/url"
	"regexp"
	"strings"
)

const placeholder = "{id}"

var (
	numericSegment = regexp.MustCompile(`^[0-9]+$`)
	uuidSegment    = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	hexSegment     = regexp.MustCompile(`(?i)^[0-9a-f]{16,}$`)
)

// Endpoint returns host plus templated path for rawURL. Query strings and
// fragments are dropped. Values that do not parse are returned unchanged.
func Endpoint(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host + Template(Path(Decode(u.EscapedPath(), 2)))
}

// Decode percent-decodes input up to depth times, stopping early once the
// value no longer changes or is not valid escaping.
func Decode(input string, depth int) string {
	if depth <= 0 {
		depth = 1
	}
	decoded := input
	for i := 0; i < depth; i++ {
		next, err := url.PathUnescape(decoded)
		if err != nil || next == decoded {
			break
		}
		decoded = next
	}
	return decoded
}

// Path removes empty and dot segments.
func Path(path string) string {
	if path == "" {
		return "/"
	}

	leading := strings.HasPrefix(path, "/")
	trailing := strings.HasSuffix(path, "/") && path != "/"

	stack := make([]string, 0, strings.Count(path, "/")+1)
	for _, part := range strings.Split(path, "/") {
		switch part {
		case "", ".":
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, part)
		}
	}

	var b strings.Builder
	if leading {
		b.WriteString("/")
	}
	b.WriteString(strings.Join(stack, "/"))
	if trailing && b.Len() > 1 {
		b.WriteString("/")
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// Template replaces numeric, uuid and long hex segments with {id}.
func Template(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if numericSegment.MatchString(part) || uuidSegment.MatchString(part) || hexSegment.MatchString(part) {
			parts[i] = placeholder
		}
	}
	return strings.Join(parts, "/")
}
