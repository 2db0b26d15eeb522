package httpmsg

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/wailsapp/mimetype"
)

// Service identifies the host an exchange was sent to.
type Service struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Secure bool   `json:"secure"`
}

func ParseService(raw string) (Service, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Service{}, err
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return Service{}, errors.New("target must include scheme and host")
	}
	svc := Service{Host: u.Hostname(), Secure: strings.EqualFold(u.Scheme, "https")}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Service{}, fmt.Errorf("invalid port %q", p)
		}
		svc.Port = port
	}
	return svc.withDefaultPort(), nil
}

func (s Service) withDefaultPort() Service {
	if s.Port != 0 {
		return s
	}
	if s.Secure {
		s.Port = 443
	} else {
		s.Port = 80
	}
	return s
}

func (s Service) Scheme() string {
	if s.Secure {
		return "https"
	}
	return "http"
}

func (s Service) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.withDefaultPort().Port))
}

// Origin returns scheme://host with the port omitted when it is the default.
func (s Service) Origin() string {
	s = s.withDefaultPort()
	if (s.Secure && s.Port == 443) || (!s.Secure && s.Port == 80) {
		return s.Scheme() + "://" + s.Host
	}
	return s.Scheme() + "://" + s.Addr()
}

func (s Service) String() string {
	return s.Origin()
}

type Header struct {
	Name  string
	Value string
}

// parseHead splits a header block into its start line and header fields.
func parseHead(head string) (string, []Header) {
	head = strings.TrimRight(head, "\r\n")
	lines := strings.Split(head, "\n")
	if len(lines) == 0 {
		return "", nil
	}
	start := strings.TrimRight(lines[0], "\r")
	headers := make([]Header, 0, len(lines)-1)
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers = append(headers, Header{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	return start, headers
}

func headerValue(headers []Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func mediaType(value string) string {
	mt, _, _ := strings.Cut(value, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

type Request struct {
	*View

	Method  string
	Target  string
	Version string
	Headers []Header
}

func NewRequest(raw []byte) *Request {
	v := NewView(raw)
	start, headers := parseHead(v.Header())
	r := &Request{View: v, Headers: headers}
	method, rest, _ := strings.Cut(start, " ")
	r.Method = method
	// injected payloads may carry spaces, so the version is taken from the end
	if i := strings.LastIndex(rest, " "); i >= 0 && strings.HasPrefix(rest[i+1:], "HTTP/") {
		r.Target, r.Version = rest[:i], rest[i+1:]
	} else {
		r.Target = rest
	}
	return r
}

func (r *Request) HeaderValue(name string) string {
	return headerValue(r.Headers, name)
}

func (r *Request) Path() string {
	target := r.Target
	if u, err := url.Parse(target); err == nil && u.IsAbs() {
		target = u.RequestURI()
	}
	path, _, _ := strings.Cut(target, "?")
	return path
}

func (r *Request) Query() string {
	_, query, _ := strings.Cut(r.Target, "?")
	return query
}

func (r *Request) ContentType() string {
	return r.HeaderValue("Content-Type")
}

// ContentLength is the size of the body actually present in the message.
func (r *Request) ContentLength() int64 {
	return int64(r.Len() - r.Split())
}

type Response struct {
	*View

	Version    string
	StatusCode int
	Headers    []Header

	inferred string
}

func NewResponse(raw []byte) *Response {
	v := NewView(raw)
	start, headers := parseHead(v.Header())
	r := &Response{View: v, Headers: headers}
	fields := strings.Fields(start)
	if len(fields) > 0 {
		r.Version = fields[0]
	}
	if len(fields) > 1 {
		r.StatusCode, _ = strconv.Atoi(fields[1])
	}
	r.inferred = inferMimeType(raw[v.Split():])
	return r
}

func (r *Response) HeaderValue(name string) string {
	return headerValue(r.Headers, name)
}

func (r *Response) StatedMimeType() string {
	return mediaType(r.HeaderValue("Content-Type"))
}

func (r *Response) InferredMimeType() string {
	return r.inferred
}

// MimeType prefers the type inferred from the body over the stated one.
func (r *Response) MimeType() string {
	if r.inferred != "" {
		return r.inferred
	}
	return r.StatedMimeType()
}

func inferMimeType(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	mt := mediaType(mimetype.Detect(body).String())
	if mt == "application/octet-stream" {
		return ""
	}
	return mt
}
