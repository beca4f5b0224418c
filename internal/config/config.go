package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all meetscribe environment variables.
const EnvPrefix = "MEETSCRIBE_"

// Config holds all application configuration. Secrets (API keys, redis
// password) are loaded exclusively from environment variables and never
// appear in the config file.
type Config struct {
	HTTPAddr   string `yaml:"http_addr"`
	DBPath     string `yaml:"db_path"`
	AudioDir   string `yaml:"audio_dir"`
	FFmpegPath string `yaml:"ffmpeg_path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`

	Provider     string `yaml:"provider"` // daglo or openai
	DagloBaseURL string `yaml:"daglo_base_url"`
	OpenAIModel  string `yaml:"openai_model"`

	HeartbeatTTL        string `yaml:"heartbeat_ttl"`
	LockTTL             string `yaml:"lock_ttl"`
	EncodingInterval    string `yaml:"encoding_interval"`
	ProcessingInterval  string `yaml:"processing_interval"`
	SummarizingInterval string `yaml:"summarizing_interval"`
	OrphanInterval      string `yaml:"orphan_interval"`
	OrphanMaxAge        string `yaml:"orphan_max_age"`
	RequestTimeout      string `yaml:"request_timeout"`
	EncodeTimeout       string `yaml:"encode_timeout"`

	MaxRetries       int   `yaml:"max_retries"`
	BatchSize        int   `yaml:"batch_size"`
	MaxChunkBytes    int64 `yaml:"max_chunk_bytes"`
	MaxResponseBytes int64 `yaml:"max_response_bytes"`

	SummarizeByDefault bool `yaml:"summarize_by_default"`

	KafkaEnabled bool     `yaml:"kafka_enabled"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	// Secrets — env vars only, never serialized to YAML.
	DagloAPIKey   string `yaml:"-"`
	OpenAIAPIKey  string `yaml:"-"`
	RedisPassword string `yaml:"-"`
}

func defaults() Config {
	return Config{
		HTTPAddr:              ":8080",
		DBPath:                "data/meetscribe.db",
		AudioDir:              "data/audio",
		FFmpegPath:            "ffmpeg",
		LogLevel:              "info",
		LogFormat:             "json",
		RedisAddr:             "localhost:6379",
		Provider:              "daglo",
		DagloBaseURL:          "https://apis.daglo.ai",
		OpenAIModel:           "gpt-4o-mini",
		HeartbeatTTL:          "30s",
		LockTTL:               "30s",
		EncodingInterval:      "5s",
		ProcessingInterval:    "2s",
		SummarizingInterval:   "2s",
		OrphanInterval:        "30s",
		OrphanMaxAge:          "2m",
		RequestTimeout:        "10s",
		EncodeTimeout:         "2m",
		MaxRetries:            3,
		BatchSize:             10,
		MaxChunkBytes:         8 << 20,
		MaxResponseBytes:      16 << 20,
		SummarizeByDefault:    true,
		KafkaTopic:            "stt.session.status",
		GoogleCredentialsFile: "./service-account.json",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

func (c *Config) ParsedHeartbeatTTL() time.Duration {
	return durationOr(c.HeartbeatTTL, 30*time.Second)
}

func (c *Config) ParsedLockTTL() time.Duration {
	return durationOr(c.LockTTL, 30*time.Second)
}

func (c *Config) ParsedEncodingInterval() time.Duration {
	return durationOr(c.EncodingInterval, 5*time.Second)
}

func (c *Config) ParsedProcessingInterval() time.Duration {
	return durationOr(c.ProcessingInterval, 2*time.Second)
}

func (c *Config) ParsedSummarizingInterval() time.Duration {
	return durationOr(c.SummarizingInterval, 2*time.Second)
}

func (c *Config) ParsedOrphanInterval() time.Duration {
	return durationOr(c.OrphanInterval, 30*time.Second)
}

func (c *Config) ParsedOrphanMaxAge() time.Duration {
	return durationOr(c.OrphanMaxAge, 2*time.Minute)
}

func (c *Config) ParsedRequestTimeout() time.Duration {
	return durationOr(c.RequestTimeout, 10*time.Second)
}

func (c *Config) ParsedEncodeTimeout() time.Duration {
	return durationOr(c.EncodeTimeout, 2*time.Minute)
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv(EnvPrefix + "DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(EnvPrefix + "AUDIO_DIR"); v != "" {
		cfg.AudioDir = v
	}
	if v := os.Getenv(EnvPrefix + "FFMPEG_PATH"); v != "" {
		cfg.FFmpegPath = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv(EnvPrefix + "REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv(EnvPrefix + "REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && db >= 0 {
			cfg.RedisDB = db
		}
	}
	if v := os.Getenv(EnvPrefix + "PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv(EnvPrefix + "DAGLO_BASE_URL"); v != "" {
		cfg.DagloBaseURL = v
	}
	if v := os.Getenv(EnvPrefix + "OPENAI_MODEL"); v != "" {
		cfg.OpenAIModel = v
	}
	if v := os.Getenv(EnvPrefix + "HEARTBEAT_TTL"); v != "" {
		cfg.HeartbeatTTL = v
	}
	if v := os.Getenv(EnvPrefix + "LOCK_TTL"); v != "" {
		cfg.LockTTL = v
	}
	if v := os.Getenv(EnvPrefix + "ORPHAN_MAX_AGE"); v != "" {
		cfg.OrphanMaxAge = v
	}
	if v := os.Getenv(EnvPrefix + "MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv(EnvPrefix + "BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv(EnvPrefix + "KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitList(v)
		cfg.KafkaEnabled = len(cfg.KafkaBrokers) > 0
	}
	if v := os.Getenv(EnvPrefix + "KAFKA_TOPIC"); v != "" {
		cfg.KafkaTopic = v
	}
	if v := os.Getenv(EnvPrefix + "GDRIVE_FOLDER_ID"); v != "" {
		cfg.GDriveFolderID = v
	}
	if v := os.Getenv(EnvPrefix + "GOOGLE_CREDENTIALS_FILE"); v != "" {
		cfg.GoogleCredentialsFile = v
	}
}

func loadSecrets(cfg *Config) {
	cfg.DagloAPIKey = os.Getenv(EnvPrefix + "DAGLO_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.RedisPassword = os.Getenv(EnvPrefix + "REDIS_PASSWORD")
}

func validate(cfg *Config) []string {
	var warnings []string

	switch cfg.Provider {
	case "daglo":
		if cfg.DagloAPIKey == "" {
			warnings = append(warnings, "Daglo API key not configured — transcription will fail. Set "+EnvPrefix+"DAGLO_API_KEY.")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			warnings = append(warnings, "OpenAI API key not configured — transcription will fail. Set "+EnvPrefix+"OPENAI_API_KEY.")
		}
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown provider %q — falling back to daglo.", cfg.Provider))
		cfg.Provider = "daglo"
	}

	for name, raw := range map[string]string{
		"heartbeat_ttl":  cfg.HeartbeatTTL,
		"lock_ttl":       cfg.LockTTL,
		"orphan_max_age": cfg.OrphanMaxAge,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q — using the built-in default.", name, raw))
		}
	}

	if cfg.ParsedHeartbeatTTL() >= cfg.ParsedOrphanMaxAge() {
		warnings = append(warnings, "orphan_max_age should exceed heartbeat_ttl so the backstop only catches lost expiration events.")
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		warnings = append(warnings, "Kafka enabled but no brokers configured — event publishing is disabled.")
		cfg.KafkaEnabled = false
	}

	return warnings
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}
	return result
}
