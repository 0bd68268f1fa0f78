package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"

	apierr "ag2api-go/internal/errors"
	"ag2api-go/internal/fingerprint"
	"ag2api-go/internal/monitoring/tracing"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Client speaks the Code Assist v1internal surface over the fingerprint
// transport. It is stateless; the caller supplies the access token per call.
type Client struct {
	endpoint string
	tr       *fingerprint.Transport
}

// New builds a client against one Code Assist endpoint.
func New(endpoint string, tr *fingerprint.Transport) *Client {
	return &Client{endpoint: endpoint, tr: tr}
}

// Endpoint returns the base endpoint this client posts to.
func (c *Client) Endpoint() string { return c.endpoint }

// WithEndpoint returns a copy of the client pointed at another endpoint,
// sharing the transport. Used for the prod/daily fallback during onboarding.
func (c *Client) WithEndpoint(endpoint string) *Client {
	return &Client{endpoint: endpoint, tr: c.tr}
}

// Generate posts a non-stream generateContent call and returns the body.
func (c *Client) Generate(ctx context.Context, accessToken string, payload []byte) ([]byte, error) {
	return c.post(ctx, "generateContent", accessToken, payload)
}

// CountTokens posts a countTokens call and returns the body.
func (c *Client) CountTokens(ctx context.Context, accessToken string, payload []byte) ([]byte, error) {
	return c.post(ctx, "countTokens", accessToken, payload)
}

// Action posts an arbitrary v1internal method (loadCodeAssist, onboardUser,
// recordCodeAssistMetrics, ...) and returns the body.
func (c *Client) Action(ctx context.Context, action, accessToken string, payload []byte) ([]byte, error) {
	return c.post(ctx, action, accessToken, payload)
}

// ActionAt is Action against an explicit endpoint, for the prod/daily
// onboarding fallback.
func (c *Client) ActionAt(ctx context.Context, endpoint, action, accessToken string, payload []byte) ([]byte, error) {
	return c.WithEndpoint(endpoint).post(ctx, action, accessToken, payload)
}

// Stream posts streamGenerateContent?alt=sse and resolves at headers. The
// caller must close the body; on a non-200 the body is consumed here and an
// APIError returned instead.
func (c *Client) Stream(ctx context.Context, accessToken string, payload []byte) (*http.Response, error) {
	url := methodURL(c.endpoint, "streamGenerateContent") + "?alt=sse"

	spanCtx, span := tracing.StartSpan(ctx, "upstream", "CodeAssist.Stream",
		trace.WithAttributes(
			attribute.String("http.method", http.MethodPost),
			attribute.String("http.url", url),
		))
	defer span.End()

	resp, err := c.tr.StreamFetch(spanCtx, &fingerprint.Request{
		Method:  http.MethodPost,
		URL:     url,
		Headers: buildHeaders(url, accessToken, len(payload)),
		Body:    payload,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		span.SetStatus(codes.Error, fmt.Sprintf("http_status=%d", resp.StatusCode))
		return nil, DecodeAPIError(resp.StatusCode, body)
	}
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

func (c *Client) post(ctx context.Context, method, accessToken string, payload []byte) ([]byte, error) {
	url := methodURL(c.endpoint, method)

	spanCtx, span := tracing.StartSpan(ctx, "upstream", "CodeAssist."+method,
		trace.WithAttributes(
			attribute.String("http.method", http.MethodPost),
			attribute.String("http.url", url),
		))
	defer span.End()

	status, _, body, err := c.tr.Fetch(spanCtx, &fingerprint.Request{
		Method:  http.MethodPost,
		URL:     url,
		Headers: buildHeaders(url, accessToken, len(payload)),
		Body:    payload,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	if status >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("http_status=%d", status))
		return body, DecodeAPIError(status, body)
	}
	span.SetStatus(codes.Ok, "")
	return body, nil
}

// DecodeAPIError turns an upstream error body into an APIError. Both the
// object form {"error":{...}} and the array form [{"error":{...}}] occur.
func DecodeAPIError(status int, body []byte) *apierr.APIError {
	root := gjson.ParseBytes(body)
	errNode := root.Get("error")
	if !errNode.Exists() && root.IsArray() {
		errNode = root.Get("0.error")
	}

	message := errNode.Get("message").String()
	if message == "" {
		message = string(body)
		if message == "" {
			message = http.StatusText(status)
		}
	}
	code := errNode.Get("status").String()
	if code == "" {
		code = fmt.Sprintf("upstream_%d", status)
	}
	return apierr.New(status, code, "", message)
}
