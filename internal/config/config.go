// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port               string                `yaml:"port"`
	FrontendURL        string                `yaml:"frontend_url"`
	DBPath             string                `yaml:"db_path"`
	DatabaseURL        string                `yaml:"database_url"`
	RedisAddr          string                `yaml:"redis_addr"`
	RedisPassword      string                `yaml:"redis_password"`
	RedisDB            int                   `yaml:"redis_db"`
	TrackingGRPCAddr   string                `yaml:"tracking_grpc_addr"`
	SessionTTL         time.Duration         `yaml:"session_ttl"`
	ErrorLogRetention  time.Duration         `yaml:"error_log_retention"`
	CleanupSchedule    string                `yaml:"cleanup_schedule"`
	RateLimitPerMinute int                   `yaml:"rate_limit_per_minute"`
	TurnTimeout        time.Duration         `yaml:"turn_timeout"`
	Guardrails         GuardrailsConfig      `yaml:"guardrails"`
	Tools              ToolsConfig           `yaml:"tools"`
	LLM                LLMConfig             `yaml:"llm"`
	ConversationLog    ConversationLogConfig `yaml:"conversation_log"`
}

// GuardrailsConfig controls input and output validation.
type GuardrailsConfig struct {
	EnableGeneralChat     bool `yaml:"enable_general_chat"`
	MaxConversationLength int  `yaml:"max_conversation_length"`
	SessionTimeoutMinutes int  `yaml:"session_timeout_minutes"`
	ContentFilterEnabled  bool `yaml:"content_filter_enabled"`
	MaxInputLength        int  `yaml:"max_input_length"`
	// OffTopicWordLimit is the word count above which a message without
	// tool or courtesy keywords is rejected when general chat is disabled.
	OffTopicWordLimit int `yaml:"off_topic_word_limit"`
	LedgerCapacity    int `yaml:"ledger_capacity"`
}

// SessionTimeout returns the configured session timeout.
func (g GuardrailsConfig) SessionTimeout() time.Duration {
	return time.Duration(g.SessionTimeoutMinutes) * time.Minute
}

// ToolsConfig controls tool detection and execution.
type ToolsConfig struct {
	Enabled                bool             `yaml:"enabled"`
	DeliveryTrackerEnabled bool             `yaml:"delivery_tracker_enabled"`
	TimeoutSeconds         int              `yaml:"timeout_seconds"`
	MaxRetries             int              `yaml:"max_retries"`
	Detection              DetectionWeights `yaml:"detection"`
}

// Timeout returns the per-attempt tool timeout.
func (t ToolsConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// DetectionWeights are the score increments and thresholds used by the
// tool detector.
type DetectionWeights struct {
	IntentKeyword        float64 `yaml:"intent_keyword"`
	Identifier           float64 `yaml:"identifier"`
	Urgency              float64 `yaml:"urgency"`
	ExplicitPhrase       float64 `yaml:"explicit_phrase"`
	ContextPerMatch      float64 `yaml:"context_per_match"`
	ContextPerMessageCap float64 `yaml:"context_per_message_cap"`
	ContextCap           float64 `yaml:"context_cap"`
	ContextWindow        int     `yaml:"context_window"`
	Threshold            float64 `yaml:"threshold"`
}

// DefaultDetectionWeights returns the reference scoring policy.
func DefaultDetectionWeights() DetectionWeights {
	return DetectionWeights{
		IntentKeyword:        0.15,
		Identifier:           0.4,
		Urgency:              0.1,
		ExplicitPhrase:       0.25,
		ContextPerMatch:      0.05,
		ContextPerMessageCap: 0.1,
		ContextCap:           0.3,
		ContextWindow:        6,
		Threshold:            0.3,
	}
}

// LLMConfig selects and tunes the language model provider.
type LLMConfig struct {
	Provider          string  `yaml:"provider"`
	Model             string  `yaml:"model"`
	Region            string  `yaml:"region"`
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	MaxTokens         int     `yaml:"max_tokens"`
	Temperature       float64 `yaml:"temperature"`
	TopP              float64 `yaml:"top_p"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Dir       string `yaml:"dir"`
	QueueSize int    `yaml:"queue_size"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Port:               "8080",
		DBPath:             "./data/chat_history.db",
		SessionTTL:         24 * time.Hour,
		ErrorLogRetention:  7 * 24 * time.Hour,
		CleanupSchedule:    "@every 5m",
		RateLimitPerMinute: 10,
		TurnTimeout:        2 * time.Minute,
		Guardrails: GuardrailsConfig{
			EnableGeneralChat:     true,
			MaxConversationLength: 50,
			SessionTimeoutMinutes: 30,
			ContentFilterEnabled:  true,
			MaxInputLength:        2000,
			OffTopicWordLimit:     3,
			LedgerCapacity:        10000,
		},
		Tools: ToolsConfig{
			Enabled:                true,
			DeliveryTrackerEnabled: true,
			TimeoutSeconds:         30,
			MaxRetries:             3,
			Detection:              DefaultDetectionWeights(),
		},
		LLM: LLMConfig{
			Provider:    "amazon_nova",
			Model:       "amazon.nova-micro-v1:0",
			Region:      "us-east-1",
			MaxTokens:   4096,
			Temperature: 0.7,
			TopP:        0.9,
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   false,
			Dir:       "./data/logs/conversations",
			QueueSize: 1000,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE and environment variables, in that order of precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFile overlays the YAML document at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.TrackingGRPCAddr = getEnv("TRACKING_GRPC_ADDR", c.TrackingGRPCAddr)
	c.SessionTTL = getEnvDuration("SESSION_TTL", c.SessionTTL)
	c.ErrorLogRetention = getEnvDuration("ERROR_LOG_RETENTION", c.ErrorLogRetention)
	c.CleanupSchedule = getEnv("CLEANUP_SCHEDULE", c.CleanupSchedule)
	c.RateLimitPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", c.RateLimitPerMinute)
	c.TurnTimeout = getEnvDuration("TURN_TIMEOUT", c.TurnTimeout)

	g := &c.Guardrails
	g.EnableGeneralChat = getEnvBool("GUARDRAILS_ENABLE_GENERAL_CHAT", g.EnableGeneralChat)
	g.MaxConversationLength = getEnvInt("GUARDRAILS_MAX_CONVERSATION_LENGTH", g.MaxConversationLength)
	g.SessionTimeoutMinutes = getEnvInt("GUARDRAILS_SESSION_TIMEOUT_MINUTES", g.SessionTimeoutMinutes)
	g.ContentFilterEnabled = getEnvBool("GUARDRAILS_CONTENT_FILTER_ENABLED", g.ContentFilterEnabled)
	g.MaxInputLength = getEnvInt("GUARDRAILS_MAX_INPUT_LENGTH", g.MaxInputLength)
	g.OffTopicWordLimit = getEnvInt("GUARDRAILS_OFF_TOPIC_WORD_LIMIT", g.OffTopicWordLimit)
	g.LedgerCapacity = getEnvInt("GUARDRAILS_LEDGER_CAPACITY", g.LedgerCapacity)

	t := &c.Tools
	t.Enabled = getEnvBool("TOOLS_ENABLED", t.Enabled)
	t.DeliveryTrackerEnabled = getEnvBool("TOOLS_DELIVERY_TRACKER_ENABLED", t.DeliveryTrackerEnabled)
	t.TimeoutSeconds = getEnvInt("TOOLS_TIMEOUT_SECONDS", t.TimeoutSeconds)
	t.MaxRetries = getEnvInt("TOOLS_MAX_RETRIES", t.MaxRetries)
	t.Detection.Threshold = getEnvFloat("TOOLS_DETECTION_THRESHOLD", t.Detection.Threshold)

	l := &c.LLM
	l.Provider = getEnv("LLM_PROVIDER", l.Provider)
	l.Model = getEnv("LLM_MODEL", l.Model)
	l.Region = getEnv("AWS_REGION", l.Region)
	l.BaseURL = getEnv("LLM_BASE_URL", l.BaseURL)
	l.APIKey = getEnv("LLM_API_KEY", l.APIKey)
	l.MaxTokens = getEnvInt("LLM_MAX_TOKENS", l.MaxTokens)
	l.Temperature = getEnvFloat("LLM_TEMPERATURE", l.Temperature)
	l.TopP = getEnvFloat("LLM_TOP_P", l.TopP)
	l.RequestsPerMinute = getEnvInt("LLM_REQUESTS_PER_MINUTE", l.RequestsPerMinute)

	cl := &c.ConversationLog
	cl.Enabled = getEnvBool("CONVERSATION_LOG_ENABLED", cl.Enabled)
	cl.Dir = getEnv("CONVERSATION_LOG_DIR", cl.Dir)
	cl.QueueSize = getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", cl.QueueSize)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	if c.DBPath == "" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("one of DB_PATH or DATABASE_URL must be set"))
	}
	if c.Guardrails.MaxInputLength <= 0 {
		errs = append(errs, errors.New("guardrails.max_input_length must be > 0"))
	}
	if c.Guardrails.MaxConversationLength <= 0 {
		errs = append(errs, errors.New("guardrails.max_conversation_length must be > 0"))
	}
	if c.Guardrails.SessionTimeoutMinutes <= 0 {
		errs = append(errs, errors.New("guardrails.session_timeout_minutes must be > 0"))
	}
	if c.Guardrails.OffTopicWordLimit < 0 {
		errs = append(errs, errors.New("guardrails.off_topic_word_limit must be >= 0"))
	}
	if c.Tools.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("tools.timeout_seconds must be > 0"))
	}
	if c.Tools.MaxRetries < 0 {
		errs = append(errs, errors.New("tools.max_retries must be >= 0"))
	}
	if c.LLM.Provider == "" {
		errs = append(errs, errors.New("llm.provider cannot be empty"))
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, errors.New("llm.max_tokens must be > 0"))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		errs = append(errs, errors.New("llm.temperature must be within [0,1]"))
	}
	if c.LLM.TopP < 0 || c.LLM.TopP > 1 {
		errs = append(errs, errors.New("llm.top_p must be within [0,1]"))
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		errs = append(errs, errors.New("CONVERSATION_LOG_DIR cannot be empty"))
	}
	if c.ConversationLog.QueueSize <= 0 {
		errs = append(errs, errors.New("CONVERSATION_LOG_QUEUE_SIZE must be > 0"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
