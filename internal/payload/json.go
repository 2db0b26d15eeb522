package payload

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/klyr/klyrscan/internal/httpmsg"
	"github.com/klyr/klyrscan/internal/profile"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// JSONPoints returns one insertion point per scalar leaf of a JSON request
// body, named by its gjson path.
func JSONPoints(request []byte) []InsertionPoint {
	split := httpmsg.BodyOffset(request)
	body := request[split:]
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return nil
	}

	var out []InsertionPoint
	walkJSON(gjson.ParseBytes(body), "", func(path string, leaf gjson.Result) {
		out = append(out, &jsonPoint{base: request, split: split, path: path, value: leaf})
	})
	return out
}

func walkJSON(res gjson.Result, path string, visit func(string, gjson.Result)) {
	switch {
	case res.IsObject():
		res.ForEach(func(key, value gjson.Result) bool {
			walkJSON(value, joinPath(path, escapeKey(key.String())), visit)
			return true
		})
	case res.IsArray():
		i := 0
		res.ForEach(func(_, value gjson.Result) bool {
			walkJSON(value, joinPath(path, strconv.Itoa(i)), visit)
			i++
			return true
		})
	default:
		if path != "" {
			visit(path, res)
		}
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

var pathEscaper = strings.NewReplacer(
	`\`, `\\`,
	`.`, `\.`,
	`*`, `\*`,
	`?`, `\?`,
	`|`, `\|`,
	`#`, `\#`,
	`@`, `\@`,
)

func escapeKey(key string) string {
	return pathEscaper.Replace(key)
}

// jsonPoint sets its leaf to the payload as a JSON string and rewrites
// Content-Length to match the new body.
type jsonPoint struct {
	base  []byte
	split int
	path  string
	value gjson.Result
}

func (p *jsonPoint) Name() string              { return fmt.Sprintf("%s|%s", profile.PayloadJSON, p.path) }
func (p *jsonPoint) Part() profile.PayloadPart { return profile.PayloadJSON }
func (p *jsonPoint) BaseValue() string         { return p.value.String() }

// Span excludes the quotes of string leaves, like the range Build returns.
func (p *jsonPoint) Span() httpmsg.Range {
	start := p.split + p.value.Index
	end := start + len(p.value.Raw)
	if p.value.Type == gjson.String && len(p.value.Raw) >= 2 {
		start++
		end--
	}
	return httpmsg.Range{Start: start, End: end}
}

func (p *jsonPoint) Build(payload []byte) ([]byte, httpmsg.Range) {
	body, err := sjson.SetBytes(p.base[p.split:], p.path, string(payload))
	if err != nil {
		out := append([]byte(nil), p.base...)
		return out, httpmsg.Range{Start: p.split, End: p.split}
	}

	head, _, _ := setHeader(p.base[:p.split], "Content-Length", strconv.Itoa(len(body)))
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head...)
	out = append(out, body...)

	leaf := gjson.GetBytes(body, p.path)
	if leaf.Index <= 0 || len(leaf.Raw) < 2 {
		return out, httpmsg.Range{Start: len(head), End: len(out)}
	}
	start := len(head) + leaf.Index + 1
	return out, httpmsg.Range{Start: start, End: start + len(leaf.Raw) - 2}
}
