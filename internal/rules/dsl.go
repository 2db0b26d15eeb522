package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/klyr/klyrscan/internal/httpmsg"
)

// dslFunctions are the helpers available to dsl matchers in addition to the
// operators govaluate provides.
var dslFunctions = map[string]govaluate.ExpressionFunction{
	"contains": func(args ...interface{}) (interface{}, error) {
		a, b, err := twoStrings("contains", args)
		if err != nil {
			return nil, err
		}
		return strings.Contains(a, b), nil
	},
	"icontains": func(args ...interface{}) (interface{}, error) {
		a, b, err := twoStrings("icontains", args)
		if err != nil {
			return nil, err
		}
		return strings.Contains(strings.ToLower(a), strings.ToLower(b)), nil
	},
	"starts_with": func(args ...interface{}) (interface{}, error) {
		a, b, err := twoStrings("starts_with", args)
		if err != nil {
			return nil, err
		}
		return strings.HasPrefix(a, b), nil
	},
	"ends_with": func(args ...interface{}) (interface{}, error) {
		a, b, err := twoStrings("ends_with", args)
		if err != nil {
			return nil, err
		}
		return strings.HasSuffix(a, b), nil
	},
	"regex": func(args ...interface{}) (interface{}, error) {
		pattern, text, err := twoStrings("regex", args)
		if err != nil {
			return nil, err
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		return re.MatchString(text), nil
	},
	"len": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("len expects 1 argument, got %d", len(args))
		}
		return float64(len(fmt.Sprint(args[0]))), nil
	},
	"tolower": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("tolower expects 1 argument, got %d", len(args))
		}
		return strings.ToLower(fmt.Sprint(args[0])), nil
	},
	"toupper": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("toupper expects 1 argument, got %d", len(args))
		}
		return strings.ToUpper(fmt.Sprint(args[0])), nil
	},
}

func twoStrings(name string, args []interface{}) (string, string, error) {
	if len(args) != 2 {
		return "", "", fmt.Errorf("%s expects 2 arguments, got %d", name, len(args))
	}
	return fmt.Sprint(args[0]), fmt.Sprint(args[1]), nil
}

type dslCache struct {
	compileCache[*govaluate.EvaluableExpression]
}

func (c *dslCache) get(expr string) (*govaluate.EvaluableExpression, error) {
	return c.compileCache.get(expr, func(expr string) (*govaluate.EvaluableExpression, error) {
		return govaluate.NewEvaluableExpressionWithFunctions(expr, dslFunctions)
	})
}

// matchDSL evaluates a boolean expression over the exchange. Dsl matchers
// never record markers.
func (e *Engine) matchDSL(ex *httpmsg.Exchange, expr string) (bool, error) {
	compiled, err := e.dsl.get(expr)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidDSL, err)
	}
	result, err := compiled.Evaluate(dslParameters(ex))
	if err != nil {
		return false, fmt.Errorf("%w: %q: %v", ErrInvalidDSL, expr, err)
	}
	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %T, want bool", ErrInvalidDSL, expr, result)
	}
	return matched, nil
}

func dslParameters(ex *httpmsg.Exchange) map[string]interface{} {
	return map[string]interface{}{
		"url":             ex.URL(),
		"host":            ex.Host(),
		"port":            float64(ex.Service.Port),
		"path":            ex.Request.Path(),
		"query":           ex.Request.Query(),
		"method":          ex.Request.Method,
		"content_type":    ex.Request.ContentType(),
		"content_length":  float64(ex.Request.ContentLength()),
		"request":         ex.Request.Full(),
		"request_header":  ex.Request.Header(),
		"request_body":    ex.Request.Body(),
		"status":          float64(ex.Response.StatusCode),
		"status_code":     float64(ex.Response.StatusCode),
		"response_time":   float64(ex.ResponseTime),
		"response_type":   ex.ResponseType(),
		"response":        ex.Response.Full(),
		"response_header": ex.Response.Header(),
		"response_body":   ex.Response.Body(),
	}
}
