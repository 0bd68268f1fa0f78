package common

import (
	"bufio"
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// maxSSELine bounds one upstream SSE data line; image chunks run large.
const maxSSELine = 10 << 20

// SSEWriter frames server-sent events toward the downstream client.
type SSEWriter struct {
	w       gin.ResponseWriter
	flusher http.Flusher
	wrote   bool
}

// NewSSEWriter sets the streaming headers and returns the writer.
func NewSSEWriter(c *gin.Context) *SSEWriter {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	flusher, _ := c.Writer.(http.Flusher)
	return &SSEWriter{w: c.Writer, flusher: flusher}
}

// Wrote reports whether anything reached the client yet. Once true, upstream
// failures can no longer be retried on another account.
func (s *SSEWriter) Wrote() bool { return s.wrote }

// Data writes one unnamed data event.
func (s *SSEWriter) Data(payload string) {
	s.wrote = true
	_, _ = s.w.WriteString("data: " + payload + "\n\n")
	s.flush()
}

// Event writes one named event.
func (s *SSEWriter) Event(name, payload string) {
	s.wrote = true
	_, _ = s.w.WriteString("event: " + name + "\ndata: " + payload + "\n\n")
	s.flush()
}

// Done terminates an OpenAI stream.
func (s *SSEWriter) Done() {
	s.Data("[DONE]")
}

func (s *SSEWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// ScanSSE feeds every upstream "data:" payload to fn until EOF or error.
func ScanSSE(body io.Reader, fn func(data []byte) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), maxSSELine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if len(data) == 0 {
			continue
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return scanner.Err()
}
