package camouflage

import (
	"context"
	"encoding/json"
	"fmt"

	"ag2api-go/internal/upstream"
)

// reportConversation posts the conversationOffered event the client emits for
// every user turn. The trajectory id is derived from the real request id so
// server-side correlation lines up.
func (s *Service) reportConversation(ctx context.Context, accessToken, requestID string) error {
	trajectoryID := upstream.TrajectoryID(requestID)
	if trajectoryID == "" {
		return fmt.Errorf("request id %q has no trajectory segment", requestID)
	}
	payload, _ := json.Marshal(map[string]any{
		"metrics": []map[string]any{{
			"metricName": "conversationOffered",
			"metadata": map[string]any{
				"trajectoryId": trajectoryID,
				"timestampNs":  fmt.Sprintf("%d", s.now().UnixNano()),
			},
		}},
	})
	_, err := s.api.Action(ctx, "recordCodeAssistMetrics", accessToken, payload)
	return err
}
