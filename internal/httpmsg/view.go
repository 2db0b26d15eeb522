package httpmsg

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ErrMalformedRange = errors.New("httpmsg: malformed range")

// Range is a half-open byte range [Start, End) into a raw message.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r Range) Len() int {
	return r.End - r.Start
}

type Scope int

const (
	ScopeAll Scope = iota
	ScopeHeader
	ScopeBody
)

// View is a raw HTTP message with a fixed header/body split. Text forms are
// computed once; Go strings keep the original bytes so every offset into the
// text is an offset into the message.
type View struct {
	raw    []byte
	split  int
	full   string
	folded string

	markers []Range
}

func NewView(raw []byte) *View {
	return NewViewWithSplit(raw, BodyOffset(raw))
}

func NewViewWithSplit(raw []byte, split int) *View {
	if split < 0 {
		split = 0
	}
	if split > len(raw) {
		split = len(raw)
	}
	full := string(raw)
	return &View{
		raw:    raw,
		split:  split,
		full:   full,
		folded: foldASCII(full),
	}
}

// BodyOffset returns the index of the first body byte, or len(raw) when the
// message has no header terminator.
func BodyOffset(raw []byte) int {
	text := string(raw)
	if i := strings.Index(text, "\r\n\r\n"); i >= 0 {
		return i + 4
	}
	if i := strings.Index(text, "\n\n"); i >= 0 {
		return i + 2
	}
	return len(raw)
}

func (v *View) Bytes() []byte  { return v.raw }
func (v *View) Len() int       { return len(v.raw) }
func (v *View) Split() int     { return v.split }
func (v *View) Full() string   { return v.full }
func (v *View) Header() string { return v.full[:v.split] }
func (v *View) Body() string   { return v.full[v.split:] }

func (v *View) Markers() []Range {
	if len(v.markers) == 0 {
		return nil
	}
	out := make([]Range, len(v.markers))
	copy(out, v.markers)
	return out
}

// AddMarker records r when it lies inside the message.
func (v *View) AddMarker(r Range) bool {
	if r.Start < 0 || r.End < r.Start || r.End > len(v.raw) {
		return false
	}
	v.markers = append(v.markers, r)
	return true
}

func (v *View) bounds(scope Scope) (int, int) {
	switch scope {
	case ScopeHeader:
		return 0, v.split
	case ScopeBody:
		return v.split, len(v.raw)
	default:
		return 0, len(v.raw)
	}
}

// Search returns every non-overlapping occurrence of pattern inside scope.
func (v *View) Search(pattern string, caseSensitive bool, scope Scope) []Range {
	if pattern == "" {
		return nil
	}
	text := v.full
	if !caseSensitive {
		text = v.folded
		pattern = foldASCII(pattern)
	}

	from, to := v.bounds(scope)
	var out []Range
	for from < to {
		i := strings.Index(text[from:to], pattern)
		if i < 0 {
			break
		}
		start := from + i
		end := start + len(pattern)
		out = append(out, Range{Start: start, End: end})
		from = end
	}
	return out
}

func (v *View) Mark(pattern string, caseSensitive bool, scope Scope) bool {
	found := v.Search(pattern, caseSensitive, scope)
	if len(found) == 0 {
		return false
	}
	v.markers = append(v.markers, found...)
	return true
}

// MarkRegex records the first match of re inside scope. Patterns with a
// capture group mark the first group.
func (v *View) MarkRegex(re *regexp.Regexp, scope Scope) bool {
	from, to := v.bounds(scope)
	loc := re.FindStringSubmatchIndex(v.full[from:to])
	if loc == nil {
		return false
	}
	start, end := loc[0], loc[1]
	if re.NumSubexp() > 0 && loc[2] >= 0 {
		start, end = loc[2], loc[3]
	}
	v.markers = append(v.markers, Range{Start: from + start, End: from + end})
	return true
}

// CheckRange reports whether value lies in the inclusive range spec "i-j".
func CheckRange(value int64, spec string) (bool, error) {
	parts := strings.Split(strings.TrimSpace(spec), "-")
	if len(parts) != 2 {
		return false, fmt.Errorf("%w: %q", ErrMalformedRange, spec)
	}
	lo, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: %q", ErrMalformedRange, spec)
	}
	hi, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: %q", ErrMalformedRange, spec)
	}
	return lo <= value && value <= hi, nil
}

// foldASCII lowercases ASCII letters only so the result keeps byte offsets.
func foldASCII(s string) string {
	b := []byte(s)
	changed := false
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
			changed = true
		}
	}
	if !changed {
		return s
	}
	return string(b)
}
