package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klyr/klyrscan/internal/config"
	"github.com/klyr/klyrscan/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const poweredBy = `
name: php-powered-by
type: passive
detail:
  description: The server discloses its PHP version.
  severity: low
  confidence: firm
rules:
  - matchers:
      - part: response_header
        values: ["x-powered-by: php"]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeContext(context.Background(), t, args...)
}

func executeContext(ctx context.Context, t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "php.yaml", poweredBy)

	out, err := execute(t, "validate", "--profile", path)
	require.NoError(t, err)
	assert.Equal(t, "config ok, 1 profile(s)\n", out)
}

func TestValidateCommandReportsProblems(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", strings.Replace(poweredBy, "severity: low", "severity: urgent", 1))

	_, err := execute(t, "validate", "--profile", path)
	var verr *config.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"php-powered-by: detail.severity must be critical|high|medium|low|info"}, verr.Problems)
}

func TestValidateCommandNeedsProfiles(t *testing.T) {
	_, err := execute(t, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no profiles configured")
}

func TestPassiveCommandWritesFindings(t *testing.T) {
	dir := t.TempDir()
	profilePath := writeFile(t, dir, "php.yaml", poweredBy)
	request := writeFile(t, dir, "req.http", "GET /item/1 HTTP/1.1\r\nHost: shop.example\r\n\r\n")
	response := writeFile(t, dir, "resp.http", "HTTP/1.1 200 OK\r\nX-Powered-By: PHP/7.4\r\n\r\nok")

	out, err := execute(t, "passive", "--profile", profilePath, "--request", request, "--response", response, "--target", "http://shop.example")
	require.NoError(t, err)
	assert.Contains(t, out, `"name":"php-powered-by"`)
	assert.Contains(t, out, `"url":"http://shop.example/item/1"`)
}

func TestPassiveCommandFailOn(t *testing.T) {
	dir := t.TempDir()
	profilePath := writeFile(t, dir, "php.yaml", poweredBy)
	request := writeFile(t, dir, "req.http", "GET / HTTP/1.1\r\nHost: shop.example\r\n\r\n")
	response := writeFile(t, dir, "resp.http", "HTTP/1.1 200 OK\r\nX-Powered-By: PHP/7.4\r\n\r\nok")
	args := []string{"passive", "--profile", profilePath, "--request", request, "--response", response, "--target", "http://shop.example"}

	_, err := execute(t, append(args, "--fail-on", "low")...)
	require.ErrorIs(t, err, policy.ErrThresholdExceeded)

	_, err = execute(t, append(args, "--fail-on", "high")...)
	require.NoError(t, err)
}

func TestPassiveCommandRequiresTarget(t *testing.T) {
	_, err := execute(t, "passive", "--request", "x", "--response", "y")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target is required")
}

func TestReportCommand(t *testing.T) {
	dir := t.TempDir()
	log := writeFile(t, dir, "findings.jsonl",
		`{"ts":"2026-03-01T00:00:00Z","name":"php-powered-by","host":"shop.example","severity":"low"}`+"\n")

	out, err := execute(t, "report", "--in", log)
	require.NoError(t, err)
	assert.Contains(t, out, "Findings: 1\n")

	_, err = execute(t, "report", "--in", log, "--min-severity", "urgent")
	require.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "version=dev commit=none buildDate=unknown\n", out)
}

const sqlError = `
name: sqli-error
type: active
detail:
  description: A quote in the parameter produced a database error message.
  severity: high
rules:
  - payload:
      part: query
      mode: append
      values: ["'"]
    matchers:
      - part: status
        values: ["500"]
      - part: response_body
        values: ["SQL syntax"]
`

func TestActiveCommandFetchesBaseResponse(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.RawQuery)
		mu.Unlock()
		if strings.Contains(r.URL.Query().Get("id"), "'") {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, "You have an error in your SQL syntax")
			return
		}
		fmt.Fprint(w, "item")
	}))
	defer target.Close()

	dir := t.TempDir()
	profilePath := writeFile(t, dir, "sqli.yaml", sqlError)
	request := writeFile(t, dir, "req.http", "GET /item?id=1&page=2 HTTP/1.1\r\nHost: shop.example\r\n\r\n")

	out, err := execute(t, "active", "--profile", profilePath, "--request", request,
		"--target", target.URL, "--point", "query|id", "--oob-wait", "0")
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &record))
	assert.Equal(t, "sqli-error", record["name"])
	assert.Equal(t, "query|id", record["insertion_point"])

	mu.Lock()
	defer mu.Unlock()
	// base fetch, then one variant at the chosen point only
	assert.Equal(t, []string{"id=1&page=2", "id=1%27&page=2"}, seen)
}

const ssrf = `
name: ssrf-oob
type: active
detail:
  description: The server fetched a URL supplied in the request.
  severity: high
  confidence: certain
rules:
  - payload:
      part: query
      oob: true
      values: ["http://{{ .oob }}/"]
`

func TestActiveCommandCollectsOutOfBandFindings(t *testing.T) {
	var mu sync.Mutex
	var fetched []string
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		fetched = append(fetched, r.URL.Query().Get("url"))
		mu.Unlock()
	}))
	defer target.Close()

	interactsh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		type interaction struct {
			Protocol string `json:"protocol"`
			FullID   string `json:"full-id"`
		}
		data := []interaction{}
		for _, u := range fetched {
			data = append(data, interaction{Protocol: "http", FullID: strings.TrimSuffix(strings.TrimPrefix(u, "http://"), "/")})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer interactsh.Close()

	dir := t.TempDir()
	profilePath := writeFile(t, dir, "ssrf.yaml", ssrf)
	cfgPath := writeFile(t, dir, "klyrscan.yaml", fmt.Sprintf(`
configVersion: 1
oob:
  enabled: true
  serverURL: %s
  pollInterval: 20ms
`, interactsh.URL))
	request := writeFile(t, dir, "req.http", "GET /fetch?url=x HTTP/1.1\r\nHost: shop.example\r\n\r\n")
	response := writeFile(t, dir, "resp.http", "HTTP/1.1 200 OK\r\n\r\n")

	out, err := execute(t, "active", "--config", cfgPath, "--profile", profilePath, "--request", request,
		"--response", response, "--target", target.URL, "--oob-wait", "100ms", "--fail-on", "high")
	require.ErrorIs(t, err, policy.ErrThresholdExceeded)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1, "the callback is emitted once")
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "ssrf-oob", record["name"])
	assert.Equal(t, "query|url", record["insertion_point"])
	assert.NotEmpty(t, record["oob_id"])
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestProxyCommandScansForwardedTraffic(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Powered-By", "PHP/7.4")
		fmt.Fprint(w, "ok")
	}))
	defer upstream.Close()

	dir := t.TempDir()
	profilePath := writeFile(t, dir, "php.yaml", poweredBy)
	listen := freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := executeContext(ctx, t, "proxy", "--profile", profilePath, "--listen", listen, "--upstream", upstream.URL)
		done <- result{out, err}
	}()

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get("http://" + listen + "/item/1")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Contains(t, r.out, `"name":"php-powered-by"`)
		assert.Contains(t, r.out, "/item/1")
	case <-time.After(5 * time.Second):
		t.Fatal("proxy did not shut down")
	}
}

func TestProxyCommandRequiresUpstream(t *testing.T) {
	dir := t.TempDir()
	profilePath := writeFile(t, dir, "php.yaml", poweredBy)

	_, err := execute(t, "proxy", "--profile", profilePath, "--listen", "127.0.0.1:0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen and upstream are required")
}
