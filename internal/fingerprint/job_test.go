package fingerprint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeJobPreservesHeaderOrder(t *testing.T) {
	req := &Request{
		Method: "post",
		URL:    "https://daily-cloudcode-pa.googleapis.com/v1internal:generateContent",
		Headers: []Header{
			{"Authorization", "Bearer ya29.x"},
			{"Content-Type", "application/json"},
			{"User-Agent", "antigravity/1.16.5 windows/amd64"},
			{"Accept-Encoding", "gzip"},
		},
		Body: []byte(`{"model":"gemini-3-flash"}`),
	}
	job, err := encodeJob(req, "/etc/tls_config.json", jobTimeout{Connect: 30, Read: 120}, nil)
	require.NoError(t, err)

	s := string(job)
	require.Contains(t, s, `"method":"POST"`)
	require.Contains(t, s, `"config_path":"/etc/tls_config.json"`)

	// Header keys must appear in exactly the given order.
	idx := func(sub string) int { return strings.Index(s, sub) }
	require.Less(t, idx(`"Authorization"`), idx(`"Content-Type"`))
	require.Less(t, idx(`"Content-Type"`), idx(`"User-Agent"`))
	require.Less(t, idx(`"User-Agent"`), idx(`"Accept-Encoding"`))
}

func TestEncodeJobIncludesProxy(t *testing.T) {
	req := &Request{Method: "POST", URL: "https://example.com"}
	job, err := encodeJob(req, "cfg.json", jobTimeout{}, proxyFromURL("socks5://127.0.0.1:1080"))
	require.NoError(t, err)
	require.Contains(t, string(job), `"type":"socks5"`)
	require.Contains(t, string(job), `"enabled":true`)
}

func TestProxyFromURL(t *testing.T) {
	require.Nil(t, proxyFromURL(""))

	p := proxyFromURL("http://proxy.local:3128")
	require.NotNil(t, p)
	require.Equal(t, "http", p.Type)

	p = proxyFromURL("socks5h://127.0.0.1:9050")
	require.NotNil(t, p)
	require.Equal(t, "socks5", p.Type)
}

func TestHelperErrorMessage(t *testing.T) {
	require.Equal(t, "TLS handshake failed: tls: bad record",
		helperErrorMessage([]byte(`{"error":"TLS handshake failed: tls: bad record"}`)))
	require.Equal(t, "plain text failure", helperErrorMessage([]byte("plain text failure\n")))
	require.Equal(t, "", helperErrorMessage(nil))
}

func TestTransportErrorClassification(t *testing.T) {
	require.True(t, IsCanceled(&TransportError{Code: CodeCanceled}))
	require.True(t, IsCanceled(&TransportError{Code: CodeAborted}))
	require.False(t, IsCanceled(&TransportError{Code: CodeNetwork}))
}
