package camouflage

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"

	"ag2api-go/internal/models"
	"ag2api-go/internal/upstream"
	"github.com/google/uuid"
)

// trajectoryModels maps a quota group to the model name the official client
// reports in its traces. Unknown models fall back to the flash placeholder.
var trajectoryModels = map[models.QuotaGroup]string{
	models.GroupFlash:  "gemini-3-flash",
	models.GroupPro:    "gemini-3-pro-high",
	models.GroupClaude: "claude-sonnet-4-5",
	models.GroupImage:  "gemini-3-pro-image",
}

// reportTrajectory posts a fake interaction trace shaped like the agent's own
// step log. Token counts are randomized within realistic bands; the metadata
// map stays loose so upstream schema drift never breaks the post.
func (s *Service) reportTrajectory(ctx context.Context, accessToken, requestID, mappedModel string) error {
	trajectoryID := upstream.TrajectoryID(requestID)
	if trajectoryID == "" {
		return fmt.Errorf("request id %q has no trajectory segment", requestID)
	}

	placeholder, ok := trajectoryModels[models.GroupOf(mappedModel)]
	if !ok {
		placeholder = trajectoryModels[models.GroupFlash]
	}

	startNs := s.now().UnixNano()
	promptTokens := 400 + rand.Intn(1200)
	outputTokens := 60 + rand.Intn(500)

	payload, _ := json.Marshal(map[string]any{
		"trajectoryId": trajectoryID,
		"steps": []map[string]any{
			{
				"stepId":      uuid.NewString(),
				"stepType":    "PLANNER",
				"startTimeNs": fmt.Sprintf("%d", startNs),
				"endTimeNs":   fmt.Sprintf("%d", startNs+int64(200+rand.Intn(900))*1e6),
				"plannerResponse": map[string]any{
					"model":             placeholder,
					"thinkingSignature": uuid.NewString(),
					"tokenUsage": map[string]any{
						"promptTokens": promptTokens,
						"outputTokens": outputTokens,
					},
				},
			},
		},
		"generatorMetadata": map[string]any{
			"clientKind": "IDE",
			"model":      placeholder,
		},
	})
	_, err := s.api.Action(ctx, "recordCodeAssistTrajectory", accessToken, payload)
	return err
}
