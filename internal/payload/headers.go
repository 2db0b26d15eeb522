package payload

import (
	"bytes"
	"strings"

	"github.com/klyr/klyrscan/internal/httpmsg"
	"github.com/klyr/klyrscan/internal/profile"
)

// ApplyHeaders sets each header on request, replacing the first line with the
// same name or adding a new one. payload is shifted to keep covering the
// injected value.
func ApplyHeaders(request []byte, headers []profile.HeaderOverride, payload httpmsg.Range) ([]byte, httpmsg.Range) {
	for _, h := range headers {
		var at, delta int
		request, at, delta = setHeader(request, h.Name, h.Value)
		if payload.Start >= at {
			payload.Start += delta
			payload.End += delta
		}
	}
	return request, payload
}

// setHeader returns the new request, the offset in the old request from which
// bytes moved, and by how much.
func setHeader(request []byte, name, value string) ([]byte, int, int) {
	line := []byte(name + ": " + value)

	headEnd, eol := headerEnd(request)
	first := bytes.IndexByte(request[:headEnd], '\n')
	if first >= 0 {
		start := first + 1
		for start < headEnd {
			end := headEnd
			if nl := bytes.IndexByte(request[start:headEnd], '\n'); nl >= 0 {
				end = start + nl
			}
			content := end
			if content > start && request[content-1] == '\r' {
				content--
			}
			if key, _, ok := strings.Cut(string(request[start:content]), ":"); ok && strings.EqualFold(strings.TrimSpace(key), name) {
				return splice(request, start, content, line), content, len(line) - (content - start)
			}
			start = end + 1
		}
	}

	insert := append([]byte(eol), line...)
	return splice(request, headEnd, headEnd, insert), headEnd, len(insert)
}

// headerEnd returns the offset just past the last header line's content and
// the line ending the message uses.
func headerEnd(request []byte) (int, string) {
	if i := bytes.Index(request, []byte("\r\n\r\n")); i >= 0 {
		return i, "\r\n"
	}
	if i := bytes.Index(request, []byte("\n\n")); i >= 0 {
		return i, "\n"
	}
	end := len(request)
	for end > 0 && (request[end-1] == '\n' || request[end-1] == '\r') {
		end--
	}
	return end, "\r\n"
}

func splice(b []byte, from, to int, insert []byte) []byte {
	out := make([]byte, 0, len(b)-(to-from)+len(insert))
	out = append(out, b[:from]...)
	out = append(out, insert...)
	out = append(out, b[to:]...)
	return out
}
