// Package transport sends raw request bytes to a service and returns the raw
// response bytes.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/klyr/klyrscan/internal/config"
	"github.com/klyr/klyrscan/internal/httpmsg"
	"github.com/klyr/klyrscan/internal/ratelimit"
)

const maxResponseBytes = 10 << 20

// Raw writes requests to the wire unchanged. Mutated requests are often not
// valid HTTP, so they never go through http.Request.
type Raw struct {
	timeout  time.Duration
	insecure bool
	limiter  *ratelimit.Limiter
}

func New(cfg config.TransportConfig) *Raw {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Raw{
		timeout:  timeout,
		insecure: cfg.InsecureSkipVerify,
		limiter:  ratelimit.NewLimiter(cfg.RPS, cfg.Burst),
	}
}

// Send waits for the per-host rate limit, writes request and reads one
// response. The returned bytes are exactly what the server sent. latency
// covers dial to the last response byte and excludes the rate limit wait; it
// is set on errors too.
func (t *Raw) Send(ctx context.Context, svc httpmsg.Service, request []byte) ([]byte, time.Duration, error) {
	addr := svc.Addr()
	if err := t.limiter.Wait(ctx, addr); err != nil {
		return nil, 0, fmt.Errorf("rate limit %s: %w", addr, err)
	}

	start := time.Now()
	raw, err := t.roundTrip(ctx, svc, request)
	return raw, time.Since(start), err
}

func (t *Raw) roundTrip(ctx context.Context, svc httpmsg.Service, request []byte) ([]byte, error) {
	addr := svc.Addr()
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	conn, err := t.dial(ctx, svc)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(request); err != nil {
		return nil, fmt.Errorf("write %s: %w", addr, err)
	}

	var wire bytes.Buffer
	br := bufio.NewReader(io.TeeReader(conn, &wire))
	resp, err := http.ReadResponse(br, &http.Request{Method: requestMethod(request)})
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", addr, err)
	}
	_, err = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", addr, err)
	}

	raw := wire.Bytes()
	return raw[:len(raw)-br.Buffered()], nil
}

func (t *Raw) dial(ctx context.Context, svc httpmsg.Service) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: t.timeout, KeepAlive: 30 * time.Second}
	if !svc.Secure {
		return dialer.DialContext(ctx, "tcp", svc.Addr())
	}
	tlsDialer := &tls.Dialer{
		NetDialer: dialer,
		Config: &tls.Config{
			ServerName:         svc.Host,
			InsecureSkipVerify: t.insecure,
			NextProtos:         []string{"http/1.1"},
		},
	}
	return tlsDialer.DialContext(ctx, "tcp", svc.Addr())
}

func requestMethod(request []byte) string {
	line, _, _ := bytes.Cut(request, []byte("\n"))
	method, _, _ := strings.Cut(strings.TrimSpace(string(line)), " ")
	if method == "" {
		return http.MethodGet
	}
	return method
}
