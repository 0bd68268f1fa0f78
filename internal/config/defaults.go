package config

const (
	// DefaultCodeAssistEndpoint is the daily Cloud Code channel used by the
	// Antigravity client. The prod channel is tried by onboarding as fallback.
	DefaultCodeAssistEndpoint = "https://daily-cloudcode-pa.googleapis.com"

	// ProdCodeAssistEndpoint works better for loadCodeAssist on fresh
	// accounts, so onboarding probes it first.
	ProdCodeAssistEndpoint = "https://cloudcode-pa.googleapis.com"

	// Fixed Antigravity installed-app OAuth client.
	DefaultOAuthClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	DefaultOAuthClientSecret = "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"
)

func defaultConfig() *Config {
	return &Config{
		Host:   "0.0.0.0",
		Port:   8045,
		DBPath: "data/accounts.db",

		CodeAssistEndpoint: DefaultCodeAssistEndpoint,
		OAuthClientID:      DefaultOAuthClientID,
		OAuthClientSecret:  DefaultOAuthClientSecret,

		UseTLSFingerprint:     true,
		FingerprintHelperPath: "bin/fingerprint-helper",
		FingerprintConfigPath: "bin/tls_config.json",
		ConnectTimeoutSec:     30,
		ReadTimeoutSec:        120,
		StreamReadTimeoutSec:  300,

		SameAccountRetries:           1,
		SameAccountRetryDelayMS:      1000,
		UpstreamCapacityRetryDelayMS: 2000,
		ErrorCountToDisable:          3,
		RetryTotalTimeoutMS:          30000,
		MaxConcurrentPerAccount:      0,
		CapacityCooldownDefaultMS:    10000,
		CapacityCooldownMaxMS:        120000,

		GroupThresholdDefault: 0.2,
		GroupThresholds:       map[string]float64{},

		ToolResultMaxChars:           40000,
		ToolResultTotalMaxChars:      160000,
		ToolResultTailChars:          2000,
		MaxOutputTokensWithTools:     32000,
		ClaudeThinkingSignatureTTLMS: 24 * 60 * 60 * 1000,
		OpenAIThinkingOutput:         "reasoning_content",
		ReplayEmptyThoughtText:       true,
	}
}
