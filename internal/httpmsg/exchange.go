package httpmsg

import (
	"strconv"
	"strings"
)

// Exchange is one request/response pair under evaluation. It is owned by a
// single scan invocation and must not be shared.
type Exchange struct {
	Service  Service
	Request  *Request
	Response *Response

	// ResponseTime is the round trip in milliseconds.
	ResponseTime int64
}

// NewExchange parses both messages. A nil response yields an empty one.
func NewExchange(svc Service, request, response []byte) *Exchange {
	return &Exchange{
		Service:  svc.withDefaultPort(),
		Request:  NewRequest(request),
		Response: NewResponse(response),
	}
}

func (e *Exchange) Host() string {
	if h := e.Request.HeaderValue("Host"); h != "" {
		if host, _, ok := strings.Cut(h, ":"); ok && !strings.Contains(host, "[") {
			return host
		}
		return h
	}
	return e.Service.Host
}

func (e *Exchange) Port() string {
	return strconv.Itoa(e.Service.withDefaultPort().Port)
}

// URL is the absolute request URL.
func (e *Exchange) URL() string {
	target := e.Request.Target
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	return e.Service.Origin() + target
}

func (e *Exchange) Status() string {
	if e.Response.StatusCode == 0 {
		return ""
	}
	return strconv.Itoa(e.Response.StatusCode)
}

func (e *Exchange) ResponseType() string {
	return e.Response.MimeType()
}
