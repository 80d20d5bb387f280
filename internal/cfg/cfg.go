package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"
)

// Config holds application configuration. Shared concerns (logging, http,
// ops, profiling, tracing) and the evaluator thresholds register their own
// structs.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	ClaudeAPIKey     string
	ClaudeModel      string
	ClaudeBaseURL    string
	ClaudeRPS        float64
	ComposeMessages  bool
	ReasoningTimeout time.Duration
	ToolTimeout      time.Duration
	UpstreamRetries  int

	DatabaseURL string
	DBMaxConns  int
	DBSlowQuery time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisGroup    string
	RedisConsumer string

	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTQoS      int

	SlackWebhookURL string

	LocationToolURL string
	HistoryToolURL  string
	ServeTools      bool

	Workers               int
	Shards                int
	ShardDepth            int
	QueueDepth            int
	FallbackRemindGlucose float64
	ExerciseSafeMin       float64
	ExerciseSafeMax       float64
	KnownPlaceRadiusM     int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "comma-separated bearer tokens accepted on /api/v1 (empty disables auth)")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude reasoning provider (empty = rule-based fallback only)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.ClaudeBaseURL, "claude-base-url", "", "override the Anthropic API base URL")
	fs.Float64Var(&c.ClaudeRPS, "claude-rps", 2, "client-side request rate limit for the reasoning provider (0 = unlimited)")
	fs.BoolVar(&c.ComposeMessages, "compose-messages", false, "compose subject messages with the reasoning provider instead of templates")
	fs.DurationVar(&c.ReasoningTimeout, "reasoning-timeout", 30*time.Second, "per-attempt timeout for reasoning calls")
	fs.DurationVar(&c.ToolTimeout, "tool-timeout", 5*time.Second, "per-attempt timeout for context tool and notification calls")
	fs.IntVar(&c.UpstreamRetries, "upstream-retries", 2, "retries after the first attempt for upstream calls (0..5)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "maximum PostgreSQL pool connections (0 = pgx default)")
	fs.DurationVar(&c.DBSlowQuery, "db-slow-query", 200*time.Millisecond, "log successful queries slower than this")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the investigation queue (empty = in-memory queue)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")
	fs.StringVar(&c.RedisStream, "redis-stream", "guardian:investigations", "Redis stream holding investigation tasks")
	fs.StringVar(&c.RedisGroup, "redis-group", "guardian-workers", "Redis consumer group")
	fs.StringVar(&c.RedisConsumer, "redis-consumer", "", "Redis consumer name (empty = hostname)")

	fs.StringVar(&c.MQTTBroker, "mqtt-broker", "", "MQTT broker URL for reading intake (empty disables MQTT)")
	fs.StringVar(&c.MQTTTopic, "mqtt-topic", "guardian/+/telemetry", "MQTT topic filter for readings")
	fs.StringVar(&c.MQTTClientID, "mqtt-client-id", "guardian-server", "MQTT client ID")
	fs.StringVar(&c.MQTTUsername, "mqtt-username", "", "MQTT username")
	fs.StringVar(&c.MQTTPassword, "mqtt-password", "", "MQTT password")
	fs.IntVar(&c.MQTTQoS, "mqtt-qos", 1, "MQTT subscription QoS (0..2)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications and emergency alerts (empty = log only)")

	fs.StringVar(&c.LocationToolURL, "location-tool-url", "", "base URL of a remote semantic location tool (empty = resolve locally)")
	fs.StringVar(&c.HistoryToolURL, "history-tool-url", "", "base URL of a remote patient context tool (empty = resolve locally)")
	fs.BoolVar(&c.ServeTools, "serve-tools", true, "serve the local context tools at /tools/{name}")

	fs.IntVar(&c.Workers, "workers", 4, "investigation worker count (1..256)")
	fs.IntVar(&c.Shards, "shards", 16, "intake shard count (1..1024)")
	fs.IntVar(&c.ShardDepth, "shard-depth", 64, "buffered readings per intake shard")
	fs.IntVar(&c.QueueDepth, "queue-depth", 1024, "in-memory investigation queue capacity")
	fs.Float64Var(&c.FallbackRemindGlucose, "fallback-remind-glucose", 5.6, "glucose (mmol/L) below which the fallback rule reminds before an activity")
	fs.Float64Var(&c.ExerciseSafeMin, "exercise-safe-min", 5.6, "lower bound of the pre-exercise safe glucose band given to the reasoning provider (mmol/L)")
	fs.Float64Var(&c.ExerciseSafeMax, "exercise-safe-max", 10.0, "upper bound of the pre-exercise safe glucose band given to the reasoning provider (mmol/L)")
	fs.IntVar(&c.KnownPlaceRadiusM, "known-place-radius", 200, "meters within which a subject counts as at a known place (1..10000)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// model only matters when a key is set, but an empty one is always a mistake
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}
	if c.ClaudeRPS < 0 {
		errs = append(errs, fmt.Errorf("invalid CLAUDE_RPS %v (must be >= 0)", c.ClaudeRPS))
	}
	if c.ReasoningTimeout <= 0 {
		errs = append(errs, errors.New("REASONING_TIMEOUT must be positive"))
	}
	if c.ToolTimeout <= 0 {
		errs = append(errs, errors.New("TOOL_TIMEOUT must be positive"))
	}
	if c.UpstreamRetries < 0 || c.UpstreamRetries > 5 {
		errs = append(errs, fmt.Errorf("invalid UPSTREAM_RETRIES %d (must be 0..5)", c.UpstreamRetries))
	}

	if c.DBMaxConns < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be >= 0)", c.DBMaxConns))
	}

	if c.RedisAddr != "" && (c.RedisStream == "" || c.RedisGroup == "") {
		errs = append(errs, errors.New("REDIS_STREAM and REDIS_GROUP are required with REDIS_ADDR"))
	}

	if c.MQTTBroker != "" && c.MQTTTopic == "" {
		errs = append(errs, errors.New("MQTT_TOPIC is required with MQTT_BROKER"))
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("invalid MQTT_QOS %d (must be 0..2)", c.MQTTQoS))
	}

	for name, raw := range map[string]string{
		"SLACK_WEBHOOK_URL": c.SlackWebhookURL,
		"LOCATION_TOOL_URL": c.LocationToolURL,
		"HISTORY_TOOL_URL":  c.HistoryToolURL,
		"CLAUDE_BASE_URL":   c.ClaudeBaseURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid %s %q (must be an absolute URL)", name, raw))
		}
	}

	if c.Workers < 1 || c.Workers > 256 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..256)", c.Workers))
	}
	if c.Shards < 1 || c.Shards > 1024 {
		errs = append(errs, fmt.Errorf("invalid SHARDS %d (must be 1..1024)", c.Shards))
	}
	if c.ShardDepth < 0 {
		errs = append(errs, fmt.Errorf("invalid SHARD_DEPTH %d (must be >= 0)", c.ShardDepth))
	}
	if c.QueueDepth < 1 {
		errs = append(errs, fmt.Errorf("invalid QUEUE_DEPTH %d (must be >= 1)", c.QueueDepth))
	}
	if c.FallbackRemindGlucose <= 0 {
		errs = append(errs, fmt.Errorf("invalid FALLBACK_REMIND_GLUCOSE %v (must be > 0)", c.FallbackRemindGlucose))
	}
	if c.ExerciseSafeMin <= 0 || c.ExerciseSafeMin >= c.ExerciseSafeMax {
		errs = append(errs, fmt.Errorf("invalid EXERCISE_SAFE_MIN %v / EXERCISE_SAFE_MAX %v (need 0 < min < max)", c.ExerciseSafeMin, c.ExerciseSafeMax))
	}
	if c.KnownPlaceRadiusM < 1 || c.KnownPlaceRadiusM > 10000 {
		errs = append(errs, fmt.Errorf("invalid KNOWN_PLACE_RADIUS %d (must be 1..10000)", c.KnownPlaceRadiusM))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
