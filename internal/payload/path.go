package payload

import (
	"bytes"
	"fmt"

	"github.com/klyr/klyrscan/internal/profile"
)

// PathPoints returns one insertion point after every "/" of the request
// target. Each covers the rest of the path, so for "GET /v2/pet HTTP/1.1"
// the points are "v2/pet" (path|1) and "pet" (path|2).
func PathPoints(request []byte) []InsertionPoint {
	end := pathEnd(request)
	if end < 0 {
		return nil
	}

	var out []InsertionPoint
	from := 0
	for count := 1; ; count++ {
		i := bytes.IndexByte(request[from:end], '/')
		if i < 0 {
			break
		}
		from += i + 1
		out = append(out, &rawPoint{
			name: fmt.Sprintf("%s|%d", profile.PayloadPath, count),
			part: profile.PayloadPath,
			base: request,
			from: from,
			to:   end,
		})
	}
	return out
}

// pathEnd is the index of "?" or " HTTP" on the request line, or -1 when the
// request line has neither.
func pathEnd(request []byte) int {
	line := request
	if i := bytes.IndexByte(request, '\n'); i >= 0 {
		line = request[:i]
	}
	j := bytes.Index(line, []byte(" HTTP"))
	if j < 0 {
		return -1
	}
	if k := bytes.IndexByte(line[:j], '?'); k >= 0 {
		return k
	}
	return j
}
