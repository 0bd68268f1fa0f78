package fingerprint

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
)

// Header is one name/value pair. Order in a Request's Headers slice is the
// exact order written to the wire.
type Header struct {
	Name  string
	Value string
}

// Request is one upstream exchange the transport performs.
type Request struct {
	Method  string
	URL     string
	Headers []Header
	Body    []byte
}

type jobTimeout struct {
	Connect int `json:"connect"`
	Read    int `json:"read"`
}

type jobProxy struct {
	Enabled bool   `json:"enabled"`
	Type    string `json:"type"`
	URL     string `json:"url"`
}

// encodeJob serializes the helper's stdin payload. The headers object is
// written by hand so its key order survives a round trip through the helper's
// token-order parse; encoding/json would sort map keys.
func encodeJob(req *Request, configPath string, timeout jobTimeout, proxy *jobProxy) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeField := func(key string, value any) error {
		b, err := json.Marshal(value)
		if err != nil {
			return err
		}
		buf.WriteString(`"` + key + `":`)
		buf.Write(b)
		return nil
	}

	if err := writeField("method", strings.ToUpper(req.Method)); err != nil {
		return nil, err
	}
	buf.WriteByte(',')
	if err := writeField("url", req.URL); err != nil {
		return nil, err
	}
	buf.WriteByte(',')

	buf.WriteString(`"headers":{`)
	for i, h := range req.Headers {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(h.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(h.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteString(`},`)

	if err := writeField("body", string(req.Body)); err != nil {
		return nil, err
	}
	buf.WriteByte(',')
	if err := writeField("config_path", configPath); err != nil {
		return nil, err
	}
	buf.WriteByte(',')
	if err := writeField("timeout", timeout); err != nil {
		return nil, err
	}
	if proxy != nil {
		buf.WriteByte(',')
		if err := writeField("proxy", proxy); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// proxyFromURL derives the helper's proxy block from a proxy URL. SOCKS
// schemes map to socks5, anything else is treated as an HTTP CONNECT proxy.
func proxyFromURL(raw string) *jobProxy {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	typ := "http"
	if strings.HasPrefix(strings.ToLower(u.Scheme), "socks") {
		typ = "socks5"
	}
	return &jobProxy{Enabled: true, Type: typ, URL: raw}
}
