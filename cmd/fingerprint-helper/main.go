// fingerprint-helper performs a single HTTPS exchange with a browser-shaped
// TLS ClientHello. The parent process writes one JSON job to stdin and reads
// the raw HTTP/1.1 response (status line, headers, body) from stdout. Errors
// go to stderr as a JSON object and exit code 1.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
)

type timeouts struct {
	Connect int `json:"connect"`
	Read    int `json:"read"`
}

type proxySpec struct {
	Enabled bool   `json:"enabled"`
	Type    string `json:"type"`
	URL     string `json:"url"`
}

// job is the single request read from stdin. Headers arrive as a JSON object
// whose key order is the exact order they must appear on the wire.
type job struct {
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	ConfigPath string            `json:"config_path"`
	Timeout    timeouts          `json:"timeout"`
	Proxy      *proxySpec        `json:"proxy,omitempty"`
}

// profile mirrors the tls_config.json file describing the ClientHello shape.
type profile struct {
	Timeout timeouts  `json:"timeout"`
	Proxy   proxySpec `json:"proxy"`
	DNS     struct {
		Servers []string `json:"servers"`
	} `json:"dns"`
	Fingerprint helloProfile `json:"fingerprint"`
}

func die(msg string) {
	out, _ := json.Marshal(map[string]string{"error": msg})
	os.Stderr.Write(out)
	os.Exit(1)
}

func main() {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		die("failed to read stdin: " + err.Error())
	}
	var j job
	if err := json.Unmarshal(raw, &j); err != nil {
		die("invalid request JSON: " + err.Error())
	}

	cfgBytes, err := os.ReadFile(j.ConfigPath)
	if err != nil {
		die("failed to read config: " + err.Error())
	}
	var prof profile
	if err := json.Unmarshal(cfgBytes, &prof); err != nil {
		die("invalid config JSON: " + err.Error())
	}

	target, err := url.Parse(j.URL)
	if err != nil {
		die("invalid URL: " + err.Error())
	}
	host := target.Hostname()
	port := target.Port()
	if port == "" {
		port = "443"
		if target.Scheme == "http" {
			port = "80"
		}
	}

	connectTimeout := time.Duration(j.Timeout.Connect) * time.Second
	if connectTimeout == 0 {
		connectTimeout = 30 * time.Second
	}
	readTimeout := time.Duration(j.Timeout.Read) * time.Second
	if readTimeout == 0 {
		readTimeout = 120 * time.Second
	}

	conn, err := dial(&j, &prof, net.JoinHostPort(host, port), connectTimeout)
	if err != nil {
		die("connection failed: " + err.Error())
	}
	defer conn.Close()

	spec := buildHelloSpec(&prof.Fingerprint, host)
	tlsConn := utls.UClient(conn, &utls.Config{ServerName: host}, utls.HelloCustom)
	if err := tlsConn.ApplyPreset(&spec); err != nil {
		die("failed to apply TLS preset: " + err.Error())
	}
	tlsConn.SetDeadline(time.Now().Add(connectTimeout))
	if err := tlsConn.Handshake(); err != nil {
		die("TLS handshake failed: " + err.Error())
	}
	tlsConn.SetDeadline(time.Now().Add(readTimeout))

	// HTTP/1.1 is written by hand so the header order from the job survives
	// untouched. net/http would canonicalize and reorder.
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", strings.ToUpper(j.Method), target.RequestURI())
	for _, kv := range orderedHeaders(raw) {
		fmt.Fprintf(&b, "%s: %s\r\n", kv[0], kv[1])
	}
	b.WriteString("\r\n")

	if _, err := io.WriteString(tlsConn, b.String()); err != nil {
		die("failed to write request headers: " + err.Error())
	}
	if j.Body != "" {
		if _, err := io.WriteString(tlsConn, j.Body); err != nil {
			die("failed to write request body: " + err.Error())
		}
	}

	forwardResponse(tlsConn)
}

// forwardResponse relays the raw response to stdout: status line and headers
// line by line, then the body until the server closes the connection.
func forwardResponse(conn net.Conn) {
	reader := bufio.NewReader(conn)

	statusLine, err := reader.ReadString('\n')
	if err != nil {
		die("failed to read response status: " + err.Error())
	}
	os.Stdout.WriteString(statusLine)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			die("failed to read response headers: " + err.Error())
		}
		os.Stdout.WriteString(line)
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	// EOF here usually just means the server closed after a complete
	// response; the parent validates completeness from Content-Length or
	// chunk framing.
	io.Copy(os.Stdout, reader)
}

// orderedHeaders re-parses the headers object token by token. Decoding into a
// Go map would lose the order the parent chose, so the raw JSON is walked
// instead.
func orderedHeaders(raw []byte) [][2]string {
	var wrapper struct {
		Headers json.RawMessage `json:"headers"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil || wrapper.Headers == nil {
		return nil
	}

	dec := json.NewDecoder(strings.NewReader(string(wrapper.Headers)))
	if t, err := dec.Token(); err != nil || t != json.Delim('{') {
		return nil
	}

	var out [][2]string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			break
		}
		key, ok := keyTok.(string)
		if !ok {
			break
		}
		valTok, err := dec.Token()
		if err != nil {
			break
		}
		out = append(out, [2]string{key, fmt.Sprintf("%v", valTok)})
	}
	return out
}
