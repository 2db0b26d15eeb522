// Package resolve turns matcher and payload values into literals. Values
// containing "{{" are text/template expressions evaluated with the sprig
// function map; anything else is returned unchanged.
package resolve

import (
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/klyr/klyrscan/internal/httpmsg"
)

// Resolver resolves a literal or expression. ok is false when the value
// cannot be produced; callers drop such values.
type Resolver interface {
	Resolve(expr string, vars map[string]any) (value string, ok bool)
}

type TemplateResolver struct {
	funcs template.FuncMap
	cache sync.Map
}

func NewTemplateResolver() *TemplateResolver {
	return &TemplateResolver{funcs: sprig.TxtFuncMap()}
}

func (r *TemplateResolver) Resolve(expr string, vars map[string]any) (string, bool) {
	if !strings.Contains(expr, "{{") {
		return expr, true
	}
	tmpl, err := r.parse(expr)
	if err != nil {
		return "", false
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, vars); err != nil {
		return "", false
	}
	return b.String(), true
}

func (r *TemplateResolver) parse(expr string) (*template.Template, error) {
	if cached, ok := r.cache.Load(expr); ok {
		return cached.(*template.Template), nil
	}
	tmpl, err := template.New("value").Funcs(r.funcs).Option("missingkey=error").Parse(expr)
	if err != nil {
		return nil, err
	}
	actual, _ := r.cache.LoadOrStore(expr, tmpl)
	return actual.(*template.Template), nil
}

// All resolves values in order, dropping the ones that do not resolve.
func All(r Resolver, values []string, vars map[string]any) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if resolved, ok := r.Resolve(v, vars); ok {
			out = append(out, resolved)
		}
	}
	return out
}

// Variables resolves profile variables in name order on top of base. Each
// resolved variable is visible to the ones after it.
func Variables(r Resolver, defs map[string]string, base map[string]any) map[string]any {
	vars := make(map[string]any, len(base)+len(defs))
	for k, v := range base {
		vars[k] = v
	}

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if value, ok := r.Resolve(defs[name], vars); ok {
			vars[name] = value
		}
	}
	return vars
}

// Builtins exposes exchange fields to expressions.
func Builtins(ex *httpmsg.Exchange) map[string]any {
	return map[string]any{
		"url":          ex.URL(),
		"host":         ex.Host(),
		"port":         ex.Port(),
		"path":         ex.Request.Path(),
		"query":        ex.Request.Query(),
		"method":       ex.Request.Method,
		"content_type": ex.Request.ContentType(),
		"status":       ex.Status(),
	}
}

// With returns a copy of vars with extra entries set.
func With(vars map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(vars)+len(extra))
	for k, v := range vars {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
