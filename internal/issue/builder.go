package issue

import (
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/google/uuid"
	"github.com/klyr/klyrscan/internal/httpmsg"
	"github.com/klyr/klyrscan/internal/profile"
)

// Annotator turns an exchange and its merged markers into evidence.
type Annotator interface {
	Annotate(ex *httpmsg.Exchange, request, response []httpmsg.Range) Evidence
}

// CopyAnnotator copies the raw messages and ranges.
type CopyAnnotator struct{}

func (CopyAnnotator) Annotate(ex *httpmsg.Exchange, request, response []httpmsg.Range) Evidence {
	return Evidence{
		Request:         append([]byte(nil), ex.Request.Bytes()...),
		Response:        append([]byte(nil), ex.Response.Bytes()...),
		RequestMarkers:  append([]httpmsg.Range(nil), request...),
		ResponseMarkers: append([]httpmsg.Range(nil), response...),
	}
}

const detailTemplate = `{{ with .Request }}request detail:<ul>{{ range . }}<li>{{ . }}</li>{{ end }}</ul>{{ end }}
{{ with .Response }}response detail:<ul>{{ range . }}<li>{{ . }}</li>{{ end }}</ul>{{ end }}`

const backgroundTemplate = `<p>{{ .Description | trim }}</p>
{{ with .Links }}<ul>{{ range . }}<li><a href="{{ . }}">{{ . }}</a></li>{{ end }}</ul>{{ end }}`

// BuildOptions carries the active-scan context of a finding.
type BuildOptions struct {
	InsertionPoint string
	OOBID          string
}

type Builder struct {
	annotator  Annotator
	detail     *template.Template
	background *template.Template
	now        func() time.Time
}

// NewBuilder returns a builder. A nil annotator means CopyAnnotator.
func NewBuilder(annotator Annotator) *Builder {
	if annotator == nil {
		annotator = CopyAnnotator{}
	}
	funcs := sprig.HtmlFuncMap()
	return &Builder{
		annotator:  annotator,
		detail:     template.Must(template.New("detail").Funcs(funcs).Parse(detailTemplate)),
		background: template.Must(template.New("background").Funcs(funcs).Parse(backgroundTemplate)),
		now:        time.Now,
	}
}

// Build creates the finding for p firing on ex. Markers of both views are
// merged before rendering.
func (b *Builder) Build(p *profile.Profile, ex *httpmsg.Exchange, opts BuildOptions) (*Finding, error) {
	evidence := b.annotator.Annotate(ex, Merge(ex.Request.Markers()), Merge(ex.Response.Markers()))

	var detail strings.Builder
	err := b.detail.Execute(&detail, map[string][]string{
		"Request":  evidence.RequestSnippets(),
		"Response": evidence.ResponseSnippets(),
	})
	if err != nil {
		return nil, fmt.Errorf("render detail for %s: %w", p.Name, err)
	}

	var background strings.Builder
	if err := b.background.Execute(&background, p.Detail); err != nil {
		return nil, fmt.Errorf("render background for %s: %w", p.Name, err)
	}

	return &Finding{
		ID:             uuid.NewString(),
		Source:         p.Source(),
		Name:           p.Name,
		URL:            ex.URL(),
		DetailHTML:     strings.TrimSpace(detail.String()),
		BackgroundHTML: strings.TrimSpace(background.String()),
		Severity:       p.Detail.Severity,
		Confidence:     p.Detail.Confidence,
		Service:        ex.Service,
		InsertionPoint: opts.InsertionPoint,
		OOBID:          opts.OOBID,
		ResponseTime:   ex.ResponseTime,
		Timestamp:      b.now().UTC(),
		Evidence:       evidence,
	}, nil
}
