// Package proxy is a reverse proxy that captures every exchange it forwards
// and runs passive profiles on it.
package proxy

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/klyr/klyrscan/internal/config"
	"github.com/klyr/klyrscan/internal/httpmsg"
	"github.com/klyr/klyrscan/internal/issue"
	"github.com/klyr/klyrscan/internal/logging"
	"github.com/klyr/klyrscan/internal/profile"
	"github.com/klyr/klyrscan/internal/scan"
	"github.com/rs/zerolog"
)

const defaultMaxBodyBytes = 1 << 20

type Proxy struct {
	service  httpmsg.Service
	proxy    *httputil.ReverseProxy
	scanner  *scan.Scanner
	profiles []*profile.Profile
	maxBody  int64

	findings *logging.FindingLogger
	logger   zerolog.Logger

	requestCount uint64
}

func New(cfg config.ProxyConfig, timeout time.Duration, scanner *scan.Scanner, profiles []*profile.Profile) (*Proxy, error) {
	if scanner == nil {
		return nil, errors.New("scanner is required")
	}
	target, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	svc, err := httpmsg.ParseService(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Transport = newTransport(timeout)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
		default:
			http.Error(w, "upstream error", http.StatusBadGateway)
		}
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	return &Proxy{
		service:  svc,
		proxy:    rp,
		scanner:  scanner,
		profiles: profiles,
		maxBody:  maxBody,
		logger:   zerolog.Nop(),
	}, nil
}

func (p *Proxy) SetFindingLogger(findings *logging.FindingLogger) {
	p.findings = findings
}

func (p *Proxy) SetLogger(logger zerolog.Logger) {
	p.logger = logger.With().Str("component", "proxy").Logger()
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := p.newRequestID()
	start := time.Now()

	requestBody, err := captureBody(r, p.maxBody)
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}
	head, err := httputil.DumpRequest(r, false)
	if err != nil {
		http.Error(w, "dump request", http.StatusBadRequest)
		return
	}

	rec := &captureWriter{ResponseWriter: w, status: http.StatusOK, max: p.maxBody}
	p.proxy.ServeHTTP(rec, r)
	elapsed := time.Since(start)

	request := append(head, requestBody...)
	response := rec.raw()

	p.logger.Debug().
		Str("request_id", requestID).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", rec.status).
		Int64("upstream_ms", elapsed.Milliseconds()).
		Msg("proxied")

	ctx := context.WithoutCancel(r.Context())
	findings, err := p.scanner.ScanPassive(ctx, p.profiles, p.service, request, response, elapsed.Milliseconds())
	if err != nil {
		p.logger.Error().Err(err).Str("request_id", requestID).Msg("passive scan failed")
	}
	p.record(requestID, findings)
}

func (p *Proxy) record(requestID string, findings []*issue.Finding) {
	for _, f := range findings {
		if err := p.findings.Write(f); err != nil {
			p.logger.Error().Err(err).Str("request_id", requestID).Msg("write finding")
		}
	}
}

func (p *Proxy) newRequestID() string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err == nil {
		return hex.EncodeToString(buf[:])
	}
	value := atomic.AddUint64(&p.requestCount, 1)
	return fmt.Sprintf("req-%d", value)
}

// captureBody reads up to max bytes of the request body for scanning and
// leaves the full body in place for the upstream.
func captureBody(r *http.Request, max int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	captured, err := io.ReadAll(io.LimitReader(r.Body, max))
	if err != nil {
		return nil, err
	}
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(captured), r.Body), r.Body}
	return captured, nil
}

// captureWriter passes the response through and keeps a copy of its head
// and first max body bytes.
type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
	max         int64
}

func (c *captureWriter) WriteHeader(code int) {
	if !c.wroteHeader {
		c.status = code
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	if room := c.max - int64(c.body.Len()); room > 0 {
		if int64(len(b)) < room {
			room = int64(len(b))
		}
		c.body.Write(b[:room])
	}
	return c.ResponseWriter.Write(b)
}

func (c *captureWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (c *captureWriter) raw() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", c.status, http.StatusText(c.status))
	_ = c.Header().Write(&b)
	b.WriteString("\r\n")
	b.Write(c.body.Bytes())
	return b.Bytes()
}

func newTransport(timeout time.Duration) *http.Transport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
}
