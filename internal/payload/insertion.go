package payload

import (
	"errors"
	"fmt"

	"github.com/klyr/klyrscan/internal/httpmsg"
	"github.com/klyr/klyrscan/internal/profile"
)

var ErrNoInsertionPoint = errors.New("payload: no such insertion point")

// InsertionPoint is a place in a base request where payloads are injected.
type InsertionPoint interface {
	Name() string
	Part() profile.PayloadPart
	BaseValue() string
	// Span is the byte range of the base value in the base request.
	Span() httpmsg.Range
	// Build returns the request with payload injected and the byte range
	// the injected value occupies in it.
	Build(payload []byte) ([]byte, httpmsg.Range)
}

// Points enumerates the insertion points of request. PayloadAny returns
// every kind in path, query, json order.
func Points(request []byte, part profile.PayloadPart) []InsertionPoint {
	var out []InsertionPoint
	if part == profile.PayloadAny || part == profile.PayloadPath {
		out = append(out, PathPoints(request)...)
	}
	if part == profile.PayloadAny || part == profile.PayloadQuery {
		out = append(out, QueryPoints(request)...)
	}
	if part == profile.PayloadAny || part == profile.PayloadJSON {
		out = append(out, JSONPoints(request)...)
	}
	return out
}

func Lookup(request []byte, name string) (InsertionPoint, error) {
	for _, p := range Points(request, profile.PayloadAny) {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoInsertionPoint, name)
}

// rawPoint splices payloads into [from, to) of the base request verbatim.
type rawPoint struct {
	name string
	part profile.PayloadPart
	base []byte
	from int
	to   int
	// encode transforms the payload before splicing; decode is its inverse
	// for the base value.
	encode func([]byte) []byte
	decode func([]byte) string
}

func (p *rawPoint) Name() string              { return p.name }
func (p *rawPoint) Part() profile.PayloadPart { return p.part }

func (p *rawPoint) BaseValue() string {
	if p.decode != nil {
		return p.decode(p.base[p.from:p.to])
	}
	return string(p.base[p.from:p.to])
}

func (p *rawPoint) Span() httpmsg.Range { return httpmsg.Range{Start: p.from, End: p.to} }

func (p *rawPoint) Build(payload []byte) ([]byte, httpmsg.Range) {
	if p.encode != nil {
		payload = p.encode(payload)
	}
	out := make([]byte, 0, len(p.base)-(p.to-p.from)+len(payload))
	out = append(out, p.base[:p.from]...)
	out = append(out, payload...)
	out = append(out, p.base[p.to:]...)
	return out, httpmsg.Range{Start: p.from, End: p.from + len(payload)}
}
