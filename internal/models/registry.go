package models

import (
	"fmt"
	"sort"
	"strings"
)

// QuotaGroup is the coarse routing bucket cooldowns and thresholds key on.
// Any model in a group shares the group's capacity decisions.
type QuotaGroup string

const (
	GroupFlash  QuotaGroup = "flash"
	GroupPro    QuotaGroup = "pro"
	GroupClaude QuotaGroup = "claude"
	GroupImage  QuotaGroup = "image"
)

// Resolution is the routing view of an incoming model name.
type Resolution struct {
	// Exposed is the model name the client asked for.
	Exposed string
	// Mapped is the upstream model name sent on the wire.
	Mapped string
	// Group is the quota group the mapped model belongs to.
	Group QuotaGroup
	// SelectionKey is "group:<g>" for grouped models; stickiness and
	// cooldowns are keyed on it.
	SelectionKey string
}

type modelInfo struct {
	mapped   string
	group    QuotaGroup
	thinking bool
}

// registry 为对外暴露的模型表；别名一律映射到上游真实模型名。
var registry = map[string]modelInfo{
	// flash
	"gemini-3-flash":   {mapped: "gemini-3-flash", group: GroupFlash, thinking: true},
	"gemini-2.5-flash": {mapped: "gemini-3-flash", group: GroupFlash},

	// pro
	"gemini-3-pro-high": {mapped: "gemini-3-pro-high", group: GroupPro, thinking: true},
	"gemini-3-pro-low":  {mapped: "gemini-3-pro-low", group: GroupPro, thinking: true},
	"gemini-2.5-pro":    {mapped: "gemini-3-pro-low", group: GroupPro, thinking: true},

	// claude
	"claude-sonnet-4-5":          {mapped: "claude-sonnet-4-5", group: GroupClaude},
	"claude-sonnet-4-5-thinking": {mapped: "claude-sonnet-4-5-thinking", group: GroupClaude, thinking: true},
	"claude-sonnet-4-6":          {mapped: "claude-sonnet-4-6", group: GroupClaude},
	"claude-sonnet-4-6-thinking": {mapped: "claude-sonnet-4-6-thinking", group: GroupClaude, thinking: true},
	"claude-opus-4-6-thinking":   {mapped: "claude-opus-4-6-thinking", group: GroupClaude, thinking: true},

	// image
	"gemini-3-pro-image":     {mapped: "gemini-3-pro-image", group: GroupImage},
	"gemini-2.5-flash-image": {mapped: "gemini-3-pro-image", group: GroupImage},
}

// groupRepresentatives pick the per-model quota row that stands in for the
// whole group in selection queries.
var groupRepresentatives = map[QuotaGroup]string{
	GroupFlash:  "gemini-3-flash",
	GroupPro:    "gemini-3-pro-high",
	GroupClaude: "claude-sonnet-4-5",
	GroupImage:  "gemini-3-pro-image",
}

// Resolve maps an incoming model name to its routing view.
func Resolve(model string) (Resolution, error) {
	name := strings.TrimSpace(model)
	info, ok := registry[name]
	if !ok {
		return Resolution{}, fmt.Errorf("model not found: %s", model)
	}
	return Resolution{
		Exposed:      name,
		Mapped:       info.mapped,
		Group:        info.group,
		SelectionKey: "group:" + string(info.group),
	}, nil
}

// GroupRepresentative returns the model whose quota row represents the group.
func GroupRepresentative(group QuotaGroup) string {
	return groupRepresentatives[group]
}

// GroupOf returns the quota group of an upstream model name, or "" when the
// model is not tracked.
func GroupOf(upstreamModel string) QuotaGroup {
	for _, info := range registry {
		if info.mapped == upstreamModel {
			return info.group
		}
	}
	return ""
}

// IsImageModel reports whether the upstream model belongs to the image group.
// Image quota is tracked but never lowers the aggregate account quota.
func IsImageModel(upstreamModel string) bool {
	return GroupOf(upstreamModel) == GroupImage
}

// TracksQuota reports whether an upstream catalog model maps into the exposed
// set; quota rows are only written for tracked models.
func TracksQuota(upstreamModel string) bool {
	return GroupOf(upstreamModel) != ""
}

// SupportsThinking reports whether the exposed model is in the thinking set.
func SupportsThinking(model string) bool {
	info, ok := registry[strings.TrimSpace(model)]
	return ok && info.thinking
}

// IsClaude reports whether the exposed or mapped model is a Claude family one.
func IsClaude(model string) bool {
	return strings.Contains(strings.ToLower(model), "claude")
}

// Exposed returns the sorted list of exposed model names for /v1/models.
func Exposed() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
