package fingerprint

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Options configures the transport.
type Options struct {
	// HelperPath points at the helper binary. When empty or missing the
	// transport silently downgrades to plain net/http.
	HelperPath string
	// ConfigPath is the tls_config.json handed to the helper per job.
	ConfigPath string
	// ProxyURL routes both the helper and the fallback client.
	ProxyURL string
	// Enabled gates helper use entirely.
	Enabled bool

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Transport issues upstream requests through the fingerprint helper binary,
// one short-lived process per request, falling back to net/http when the
// helper is unavailable.
type Transport struct {
	opts      Options
	useHelper bool
	fallback  *http.Client
}

// New builds a transport, probing the helper binary once at startup.
func New(opts Options) *Transport {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 120 * time.Second
	}

	useHelper := opts.Enabled && opts.HelperPath != ""
	if useHelper {
		if _, err := os.Stat(opts.HelperPath); err != nil {
			log.WithFields(log.Fields{"path": opts.HelperPath, "error": err.Error()}).
				Warn("fingerprint helper not found, using plain http transport")
			useHelper = false
		}
	}

	tr := &http.Transport{
		Proxy: proxyFunc(opts.ProxyURL),
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: opts.ConnectTimeout,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		// The gzip header is set explicitly per request, so decoding is
		// handled here rather than by the transport.
		DisableCompression: true,
	}
	return &Transport{
		opts:      opts,
		useHelper: useHelper,
		fallback:  &http.Client{Transport: tr, Timeout: 0},
	}
}

func proxyFunc(proxyURL string) func(*http.Request) (*url.URL, error) {
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			return http.ProxyURL(parsed)
		}
	}
	return http.ProxyFromEnvironment
}

// UsingHelper reports whether requests go through the helper binary.
func (t *Transport) UsingHelper() bool { return t.useHelper }

// Do performs one exchange. The returned response body must be closed by the
// caller; closing it reaps the helper process when one was spawned.
func (t *Transport) Do(ctx context.Context, req *Request) (*http.Response, error) {
	if t.useHelper {
		return t.doHelper(ctx, req)
	}
	return t.doFallback(ctx, req)
}

// Fetch performs an exchange and buffers the whole body.
func (t *Transport) Fetch(ctx context.Context, req *Request) (int, http.Header, []byte, error) {
	resp, err := t.Do(ctx, req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, nil, &TransportError{Code: CodeAborted, Err: ctx.Err()}
		}
		return 0, nil, nil, &TransportError{Code: CodeNetwork, Err: err}
	}
	return resp.StatusCode, resp.Header, body, nil
}

// StreamFetch performs an exchange and resolves once headers are in. The
// caller owns the body; closing it tears the connection (and helper) down.
func (t *Transport) StreamFetch(ctx context.Context, req *Request) (*http.Response, error) {
	return t.Do(ctx, req)
}

func (t *Transport) doHelper(ctx context.Context, req *Request) (*http.Response, error) {
	job, err := encodeJob(req, t.opts.ConfigPath, jobTimeout{
		Connect: int(t.opts.ConnectTimeout / time.Second),
		Read:    int(t.opts.ReadTimeout / time.Second),
	}, proxyFromURL(t.opts.ProxyURL))
	if err != nil {
		return nil, &TransportError{Code: CodeSpawn, Err: err}
	}

	cmd := exec.CommandContext(ctx, t.opts.HelperPath)
	cmd.Stdin = bytes.NewReader(job)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &TransportError{Code: CodeSpawn, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &TransportError{Code: CodeSpawn, Err: err}
	}

	br := bufio.NewReader(stdout)
	resp, err := http.ReadResponse(br, &http.Request{Method: strings.ToUpper(req.Method)})
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, classifyHelperFailure(ctx, err, stderr.Bytes())
	}

	body := io.ReadCloser(&helperBody{ctx: ctx, inner: resp.Body, cmd: cmd})
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(body)
		if err != nil {
			body.Close()
			return nil, &TransportError{Code: CodeNetwork, Err: err}
		}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
		body = &gzipBody{gz: gz, under: body}
	}
	resp.Body = body
	return resp, nil
}

// classifyHelperFailure turns a dead helper into a TransportError, preferring
// the JSON error object the helper writes to stderr.
func classifyHelperFailure(ctx context.Context, err error, stderr []byte) error {
	if ctx.Err() != nil {
		return &TransportError{Code: CodeCanceled, Err: ctx.Err()}
	}
	if msg := helperErrorMessage(stderr); msg != "" {
		return &TransportError{Code: CodeNetwork, Err: errors.New(msg)}
	}
	return &TransportError{Code: CodeNetwork, Err: err}
}

func helperErrorMessage(stderr []byte) string {
	trimmed := bytes.TrimSpace(stderr)
	if len(trimmed) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if jerr := json.Unmarshal(trimmed, &payload); jerr == nil && payload.Error != "" {
		return payload.Error
	}
	return string(trimmed)
}

// helperBody reaps the child process when the response body is closed and
// maps read failures after cancellation to the cancel code.
type helperBody struct {
	ctx   context.Context
	inner io.ReadCloser
	cmd   *exec.Cmd
	done  bool
}

func (b *helperBody) Read(p []byte) (int, error) {
	n, err := b.inner.Read(p)
	if err != nil && err != io.EOF && b.ctx.Err() != nil {
		return n, &TransportError{Code: CodeAborted, Err: b.ctx.Err()}
	}
	return n, err
}

func (b *helperBody) Close() error {
	if b.done {
		return nil
	}
	b.done = true
	b.inner.Close()
	if b.cmd.Process != nil {
		b.cmd.Process.Kill()
	}
	b.cmd.Wait()
	return nil
}

type gzipBody struct {
	gz    *gzip.Reader
	under io.ReadCloser
}

func (g *gzipBody) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipBody) Close() error {
	g.gz.Close()
	return g.under.Close()
}

func (t *Transport) doFallback(ctx context.Context, req *Request) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), req.URL,
		bytes.NewReader(req.Body))
	if err != nil {
		return nil, &TransportError{Code: CodeNetwork, Err: err}
	}
	// Header order is lost on this path; net/http canonicalizes. Values are
	// preserved exactly.
	for _, h := range req.Headers {
		if strings.EqualFold(h.Name, "Host") {
			httpReq.Host = h.Value
			continue
		}
		httpReq.Header.Set(h.Name, h.Value)
	}

	resp, err := t.fallback.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, &TransportError{Code: CodeCanceled, Err: err}
		}
		return nil, &TransportError{Code: CodeNetwork, Err: err}
	}
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, gerr := gzip.NewReader(resp.Body)
		if gerr != nil {
			resp.Body.Close()
			return nil, &TransportError{Code: CodeNetwork, Err: gerr}
		}
		under := resp.Body
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
		resp.Body = &gzipBody{gz: gz, under: under}
	}
	return resp, nil
}
