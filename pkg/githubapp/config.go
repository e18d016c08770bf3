package githubapp

import (
	"os"
	"strconv"
	"time"
)

// AppConfig identifies which GitHub App a message or subscription talks to.
// GitHubAppID is nil for the cloud app and set for GitHub Enterprise Server
// apps (it is the primary key of the stored server app record).
type AppConfig struct {
	GitHubAppID   *int64 `json:"gitHubAppId,omitempty"`
	AppID         int64  `json:"appId"`
	ClientID      string `json:"clientId"`
	GitHubBaseURL string `json:"gitHubBaseUrl"`
	GitHubAPIURL  string `json:"gitHubApiUrl"`
	UUID          string `json:"uuid,omitempty"`
}

// Config drives the HTTP client behavior: timeouts, retries, pacing and the
// circuit breaker.
type Config struct {
	Timeout time.Duration

	RetryCount int
	RetryDelay time.Duration

	RateLimit int
	RateBurst int

	TokenCacheTTL  time.Duration
	TokenCacheSize int

	CircuitBreakerEnabled bool
	CBFailureThreshold    int
	CBRecoveryTime        time.Duration
	CBMinRequests         int
	CBSamplingDuration    time.Duration
	CBHalfOpenMaxSuccess  int
}

func LoadFromEnv() Config {
	return Config{
		Timeout: time.Second * time.Duration(getInt("GITHUB_CLIENT_TIMEOUT", 30)),

		RetryCount: getInt("GITHUB_CLIENT_RETRY_COUNT", 3),
		RetryDelay: time.Second * time.Duration(getInt("GITHUB_CLIENT_RETRY_DELAY", 2)),

		RateLimit: getInt("GITHUB_CLIENT_RATE_LIMIT", 100),
		RateBurst: getInt("GITHUB_CLIENT_RATE_BURST", 2),

		TokenCacheTTL:  time.Second * time.Duration(getInt("INSTALLATION_TOKEN_CACHE_TTL", 3300)),
		TokenCacheSize: getInt("INSTALLATION_TOKEN_CACHE_MAX_SIZE", 1000),

		CircuitBreakerEnabled: getBool("GITHUB_CLIENT_ENABLE_CIRCUIT_BREAKER", true),
		CBFailureThreshold:    getInt("GITHUB_CLIENT_CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
		CBRecoveryTime:        time.Second * time.Duration(getInt("GITHUB_CLIENT_CIRCUIT_BREAKER_RECOVERY_TIME", 60)),
		CBMinRequests:         getInt("GITHUB_CLIENT_CIRCUIT_BREAKER_MIN_REQUESTS", 10),
		CBSamplingDuration:    time.Second * time.Duration(getInt("GITHUB_CLIENT_CIRCUIT_BREAKER_SAMPLING_DURATION", 60)),
		CBHalfOpenMaxSuccess:  getInt("GITHUB_CLIENT_CIRCUIT_BREAKER_HALF_OPEN_MAX_SUCCESS", 3),
	}
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}
