package payload

import (
	"bytes"
	"fmt"
	"net/url"

	"github.com/klyr/klyrscan/internal/profile"
)

// QueryPoints returns one insertion point per query parameter value.
// Payloads are query-escaped before they are spliced in.
func QueryPoints(request []byte) []InsertionPoint {
	line := request
	if i := bytes.IndexByte(request, '\n'); i >= 0 {
		line = request[:i]
	}
	end := bytes.Index(line, []byte(" HTTP"))
	if end < 0 {
		return nil
	}
	q := bytes.IndexByte(line[:end], '?')
	if q < 0 {
		return nil
	}

	var out []InsertionPoint
	start := q + 1
	for start <= end {
		stop := bytes.IndexByte(line[start:end], '&')
		if stop < 0 {
			stop = end
		} else {
			stop += start
		}
		pair := line[start:stop]
		if eq := bytes.IndexByte(pair, '='); eq > 0 {
			name := string(pair[:eq])
			if decoded, err := url.QueryUnescape(name); err == nil {
				name = decoded
			}
			out = append(out, &rawPoint{
				name:   fmt.Sprintf("%s|%s", profile.PayloadQuery, name),
				part:   profile.PayloadQuery,
				base:   request,
				from:   start + eq + 1,
				to:     stop,
				encode: queryEscape,
				decode: queryUnescape,
			})
		}
		start = stop + 1
	}
	return out
}

func queryEscape(payload []byte) []byte {
	return []byte(url.QueryEscape(string(payload)))
}

func queryUnescape(value []byte) string {
	decoded, err := url.QueryUnescape(string(value))
	if err != nil {
		return string(value)
	}
	return decoded
}
