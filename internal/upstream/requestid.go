package upstream

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewRequestID returns an id in the agent/<epoch-ms>/<uuid>/<digit> shape the
// official client generates. The uuid segment doubles as the trajectory id
// telemetry correlates on.
func NewRequestID() string {
	return fmt.Sprintf("agent/%d/%s/%d", time.Now().UnixMilli(), uuid.NewString(), rand.Intn(10))
}

// TrajectoryID extracts the uuid segment of a request id, or "" when the id
// is not in the expected shape.
func TrajectoryID(requestID string) string {
	parts := strings.Split(requestID, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
