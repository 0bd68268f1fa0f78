package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load builds the runtime configuration: defaults, then the optional YAML file
// named by CONFIG_FILE, then environment variables. Env always wins.
func Load() (*Config, error) {
	cfg := defaultConfig()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := overlayFile(cfg, path); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	mergeEnv(cfg)

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	switch cfg.OpenAIThinkingOutput {
	case "reasoning_content", "tags", "both":
	default:
		return nil, fmt.Errorf("invalid OPENAI_THINKING_OUTPUT %q", cfg.OpenAIThinkingOutput)
	}
	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func mergeEnv(cfg *Config) {
	setStr("HOST", &cfg.Host)
	setInt("PORT", &cfg.Port)
	setBool("DEBUG", &cfg.Debug)
	setStr("LOG_FILE", &cfg.LogFile)
	setStr("DB_PATH", &cfg.DBPath)

	setStr("ADMIN_PASSWORD", &cfg.AdminPassword)
	setStr("ADMIN_PASSWORD_HASH", &cfg.AdminPasswordHash)
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.APIKeys = splitAndTrim(v, ",")
	}

	setStr("CODE_ASSIST_ENDPOINT", &cfg.CodeAssistEndpoint)
	setStr("OAUTH_CLIENT_ID", &cfg.OAuthClientID)
	setStr("OAUTH_CLIENT_SECRET", &cfg.OAuthClientSecret)

	// OUTBOUND_PROXY wins over the generic proxy envs.
	cfg.OutboundProxy = firstNonEmpty(
		os.Getenv("OUTBOUND_PROXY"),
		os.Getenv("HTTPS_PROXY"),
		os.Getenv("https_proxy"),
		os.Getenv("HTTP_PROXY"),
		os.Getenv("http_proxy"),
		cfg.OutboundProxy,
	)
	setBool("USE_TLS_FINGERPRINT", &cfg.UseTLSFingerprint)
	setStr("FINGERPRINT_HELPER_PATH", &cfg.FingerprintHelperPath)
	setStr("FINGERPRINT_CONFIG_PATH", &cfg.FingerprintConfigPath)
	setInt("CONNECT_TIMEOUT_SEC", &cfg.ConnectTimeoutSec)
	setInt("READ_TIMEOUT_SEC", &cfg.ReadTimeoutSec)
	setInt("STREAM_READ_TIMEOUT_SEC", &cfg.StreamReadTimeoutSec)

	setInt("SAME_ACCOUNT_RETRIES", &cfg.SameAccountRetries)
	setInt("SAME_ACCOUNT_RETRY_DELAY_MS", &cfg.SameAccountRetryDelayMS)
	setInt("UPSTREAM_CAPACITY_RETRY_DELAY_MS", &cfg.UpstreamCapacityRetryDelayMS)
	setInt("ERROR_COUNT_TO_DISABLE", &cfg.ErrorCountToDisable)
	setInt("RETRY_TOTAL_TIMEOUT_MS", &cfg.RetryTotalTimeoutMS)
	setInt("MAX_CONCURRENT_PER_ACCOUNT", &cfg.MaxConcurrentPerAccount)
	setInt("CAPACITY_COOLDOWN_DEFAULT_MS", &cfg.CapacityCooldownDefaultMS)
	setInt("CAPACITY_COOLDOWN_MAX_MS", &cfg.CapacityCooldownMaxMS)

	setFloat("GROUP_THRESHOLD_DEFAULT", &cfg.GroupThresholdDefault)
	for _, group := range []string{"flash", "pro", "claude", "image"} {
		key := "GROUP_THRESHOLD_" + strings.ToUpper(group)
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				cfg.GroupThresholds[group] = f
			}
		}
	}

	setInt("TOOL_RESULT_MAX_CHARS", &cfg.ToolResultMaxChars)
	setInt("TOOL_RESULT_TOTAL_MAX_CHARS", &cfg.ToolResultTotalMaxChars)
	setInt("TOOL_RESULT_TAIL_CHARS", &cfg.ToolResultTailChars)
	setInt("MAX_OUTPUT_TOKENS_WITH_TOOLS", &cfg.MaxOutputTokensWithTools)
	setInt("CLAUDE_THINKING_SIGNATURE_TTL_MS", &cfg.ClaudeThinkingSignatureTTLMS)
	setStr("OPENAI_THINKING_OUTPUT", &cfg.OpenAIThinkingOutput)
	setBool("OFFICIAL_SYSTEM_PROMPT", &cfg.OfficialSystemPrompt)
	setBool("REPLAY_EMPTY_THOUGHT_TEXT", &cfg.ReplayEmptyThoughtText)

	setInt("RATE_LIMIT_RPS", &cfg.RateLimitRPS)
	setInt("RATE_LIMIT_BURST", &cfg.RateLimitBurst)
}

func setStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(key string, dst *bool) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

func splitAndTrim(input, sep string) []string {
	parts := strings.Split(input, sep)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
