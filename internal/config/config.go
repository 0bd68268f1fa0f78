package config

import "sync"

// Config holds the frozen runtime configuration. It is built once at startup
// from defaults, an optional YAML file and the environment (in that order) and
// never mutated afterwards. Per-group quota thresholds are the one exception:
// the file watcher rewrites them through SetThresholds while the pool reads
// them through ThresholdFor, both under thresholdMu.
type Config struct {
	// Server
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Debug   bool   `yaml:"debug"`
	LogFile string `yaml:"log_file"`

	// Persistence
	DBPath string `yaml:"db_path"`

	// Downstream auth
	AdminPassword     string   `yaml:"admin_password"`
	AdminPasswordHash string   `yaml:"admin_password_hash"`
	APIKeys           []string `yaml:"api_keys"`

	// Upstream
	CodeAssistEndpoint string `yaml:"code_assist_endpoint"`
	OAuthClientID      string `yaml:"oauth_client_id"`
	OAuthClientSecret  string `yaml:"oauth_client_secret"`

	// Outbound transport
	OutboundProxy         string `yaml:"outbound_proxy"`
	UseTLSFingerprint     bool   `yaml:"use_tls_fingerprint"`
	FingerprintHelperPath string `yaml:"fingerprint_helper_path"`
	FingerprintConfigPath string `yaml:"fingerprint_config_path"`
	ConnectTimeoutSec     int    `yaml:"connect_timeout_sec"`
	ReadTimeoutSec        int    `yaml:"read_timeout_sec"`
	StreamReadTimeoutSec  int    `yaml:"stream_read_timeout_sec"`

	// Retry / pool behaviour
	SameAccountRetries           int `yaml:"same_account_retries"`
	SameAccountRetryDelayMS      int `yaml:"same_account_retry_delay_ms"`
	UpstreamCapacityRetryDelayMS int `yaml:"upstream_capacity_retry_delay_ms"`
	ErrorCountToDisable          int `yaml:"error_count_to_disable"`
	RetryTotalTimeoutMS          int `yaml:"retry_total_timeout_ms"`
	MaxConcurrentPerAccount      int `yaml:"max_concurrent_per_account"`
	CapacityCooldownDefaultMS    int `yaml:"capacity_cooldown_default_ms"`
	CapacityCooldownMaxMS        int `yaml:"capacity_cooldown_max_ms"`

	// Group quota thresholds (env defaults; settings table overrides)
	GroupThresholdDefault float64            `yaml:"group_threshold_default"`
	GroupThresholds       map[string]float64 `yaml:"group_thresholds"`
	thresholdMu           sync.RWMutex

	// Translator
	ToolResultMaxChars           int    `yaml:"tool_result_max_chars"`
	ToolResultTotalMaxChars      int    `yaml:"tool_result_total_max_chars"`
	ToolResultTailChars          int    `yaml:"tool_result_tail_chars"`
	MaxOutputTokensWithTools     int    `yaml:"max_output_tokens_with_tools"`
	ClaudeThinkingSignatureTTLMS int    `yaml:"claude_thinking_signature_ttl_ms"`
	OpenAIThinkingOutput         string `yaml:"openai_thinking_output"` // reasoning_content|tags|both
	OfficialSystemPrompt         bool   `yaml:"official_system_prompt"`
	ReplayEmptyThoughtText       bool   `yaml:"replay_empty_thought_text"`

	// Rate limiting (0 disables)
	RateLimitRPS   int `yaml:"rate_limit_rps"`
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

// ThresholdFor returns the configured env-default threshold for a quota group.
func (c *Config) ThresholdFor(group string) float64 {
	c.thresholdMu.RLock()
	defer c.thresholdMu.RUnlock()
	if v, ok := c.GroupThresholds[group]; ok {
		return v
	}
	return c.GroupThresholdDefault
}

// SetThresholds replaces the threshold view. groups is taken over by the
// config; the caller must not mutate it afterwards.
func (c *Config) SetThresholds(def float64, groups map[string]float64) {
	c.thresholdMu.Lock()
	c.GroupThresholdDefault = def
	c.GroupThresholds = groups
	c.thresholdMu.Unlock()
}

// HasAPIKey reports whether a downstream key matches the configured key set.
// When no API keys are configured the admin password is accepted instead.
func (c *Config) HasAPIKey(key string) bool {
	if key == "" {
		return false
	}
	if len(c.APIKeys) == 0 {
		return c.AdminPassword != "" && key == c.AdminPassword
	}
	for _, k := range c.APIKeys {
		if key == k {
			return true
		}
	}
	return false
}
