package translator

import (
	"strings"

	"ag2api-go/internal/upstream"
)

// extendedSafetyCategories is the full block-nothing list sent with most
// models.
var extendedSafetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
	"HARM_CATEGORY_DEROGATORY",
	"HARM_CATEGORY_TOXICITY",
	"HARM_CATEGORY_VIOLENCE",
	"HARM_CATEGORY_SEXUAL",
	"HARM_CATEGORY_MEDICAL",
	"HARM_CATEGORY_DANGEROUS",
}

// coreSafetyCategories is the subset accepted by models that reject the
// legacy categories.
var coreSafetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
}

// safetySettings returns the BLOCK_NONE set for the upstream model.
func safetySettings(upstreamModel string) []upstream.SafetySetting {
	cats := extendedSafetyCategories
	if usesCoreSafety(upstreamModel) {
		cats = coreSafetyCategories
	}
	out := make([]upstream.SafetySetting, len(cats))
	for i, c := range cats {
		out[i] = upstream.SafetySetting{Category: c, Threshold: "BLOCK_NONE"}
	}
	return out
}

func usesCoreSafety(upstreamModel string) bool {
	m := strings.ToLower(upstreamModel)
	return strings.Contains(m, "claude") || strings.Contains(m, "image")
}
