package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName    string
	AppVersion string
	Port       string

	Environment string

	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	// Queue transport: "sqs" (production), "redis" (self-hosted) or
	// "memory" (local development).
	QueueBackend string

	QueueRegion string

	BackfillQueueName        string
	BackfillQueueURL         string
	BackfillQueueTimeoutSec  int
	BackfillQueueMaxAttempts int

	PushQueueName        string
	PushQueueURL         string
	PushQueueTimeoutSec  int
	PushQueueMaxAttempts int

	LongPollingIntervalSec int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// GitHub App credentials. PrivateKey is the PEM body; when empty,
	// PrivateKeyPath is read at client construction.
	GitHubAppID          int64
	GitHubClientID       string
	GitHubPrivateKey     string
	GitHubPrivateKeyPath string
	GitHubBaseURL        string
	GitHubAPIURL         string

	// Key used to encrypt GitHub Enterprise app client secrets at rest,
	// base64-encoded 32 bytes.
	StorageSecret string

	// JiraAPIToken authenticates devinfo submissions. Production swaps in
	// a per-site token provider; the static token serves self-hosted and
	// development setups.
	JiraAPIToken string

	// Tunables that the hosted product drives through feature flags; here
	// they are plain configuration, optionally overridden per Jira host.
	PreemptiveRateLimitThreshold float64
	SyncMainCommitTimeLimitMs    int64
	SyncBranchCommitTimeLimitMs  int64
	BackfillPageSize             int
	RemoveStaleMessages          bool
	StaleMessageQueues           []string
	RateLimitGuardQueues         []string
	VerboseLoggingHosts          []string

	StuckSyncDeadlineMin int

	// AdminAPIToken guards the operational HTTP routes.
	AdminAPIToken string
}

// Load loads configuration from environment variables and .env file.
func Load() *Config {
	_ = godotenv.Load()
	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "github-for-jira"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Port:        getenv("PORT", "8080"),
		Environment: environment,

		DBHost:            getenv("DB_HOST", "localhost"),
		DBPort:            getenv("DB_PORT", "5432"),
		DBName:            getenv("DB_NAME", "jira"),
		DBUser:            getenv("DB_USER", "postgres"),
		DBPassword:        getenv("DB_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DB_SSL_MODE", "disable"),
		DBMaxIdleConn:     10,
		DBMaxOpenConn:     100,
		DBConnMaxLifetime: 3600,
		DBConnMaxIdleTime: 60,

		QueueBackend: getenv("QUEUE_BACKEND", "sqs"),
		QueueRegion:  getenv("SQS_REGION", "us-west-1"),

		BackfillQueueName:        getenv("SQS_BACKFILL_QUEUE_NAME", "backfill"),
		BackfillQueueURL:         getenv("SQS_BACKFILL_QUEUE_URL", ""),
		BackfillQueueTimeoutSec:  getenvInt("SQS_BACKFILL_QUEUE_TIMEOUT_SEC", 10*60),
		BackfillQueueMaxAttempts: getenvInt("SQS_BACKFILL_QUEUE_MAX_ATTEMPTS", 3),

		PushQueueName:        getenv("SQS_PUSH_QUEUE_NAME", "push"),
		PushQueueURL:         getenv("SQS_PUSH_QUEUE_URL", ""),
		PushQueueTimeoutSec:  getenvInt("SQS_PUSH_QUEUE_TIMEOUT_SEC", 60),
		PushQueueMaxAttempts: getenvInt("SQS_PUSH_QUEUE_MAX_ATTEMPTS", 5),

		LongPollingIntervalSec: getenvInt("SQS_LONG_POLLING_INTERVAL_SEC", 4),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		GitHubAppID:          getenvInt64("GITHUB_APP_ID", 0),
		GitHubClientID:       strings.TrimSpace(getenv("GITHUB_CLIENT_ID", "")),
		GitHubPrivateKey:     getenv("GITHUB_APP_PRIVATE_KEY", ""),
		GitHubPrivateKeyPath: getenv("GITHUB_APP_PRIVATE_KEY_PATH", ""),
		GitHubBaseURL:        getenv("GITHUB_BASE_URL", "https://github.com"),
		GitHubAPIURL:         getenv("GITHUB_API_URL", "https://api.github.com"),

		StorageSecret: strings.TrimSpace(getenv("STORAGE_SECRET", "")),
		JiraAPIToken:  strings.TrimSpace(getenv("JIRA_API_TOKEN", "")),

		PreemptiveRateLimitThreshold: getenvFloat("PREEMPTIVE_RATE_LIMIT_THRESHOLD", 100),
		SyncMainCommitTimeLimitMs:    getenvInt64("SYNC_MAIN_COMMIT_TIME_LIMIT_MS", -1),
		SyncBranchCommitTimeLimitMs:  getenvInt64("SYNC_BRANCH_COMMIT_TIME_LIMIT_MS", -1),
		BackfillPageSize:             getenvInt("BACKFILL_PAGE_SIZE", 20),
		RemoveStaleMessages:          getenvBool("REMOVE_STALE_MESSAGES", true),
		StaleMessageQueues:           parseList(getenv("STALE_MESSAGE_QUEUES", "push")),
		RateLimitGuardQueues:         parseList(getenv("RATE_LIMIT_GUARD_QUEUES", "backfill")),
		VerboseLoggingHosts:          parseList(getenv("VERBOSE_LOGGING_HOSTS", "")),

		StuckSyncDeadlineMin: getenvInt("STUCK_SYNC_DEADLINE_MIN", 60),

		AdminAPIToken: strings.TrimSpace(getenv("ADMIN_API_TOKEN", "")),
	}

	return &cfg
}

// VerboseLoggingFor reports whether delivery-level debug logging is enabled
// for the given Jira host.
func (c *Config) VerboseLoggingFor(jiraHost string) bool {
	for _, h := range c.VerboseLoggingHosts {
		if h == jiraHost {
			return true
		}
	}
	return false
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
