package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"wafilter/internal/domain/routing"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Webhook  WebhookConfig  `json:"webhook"`
	Mention  MentionConfig  `json:"mention"`
	Forward  ForwardConfig  `json:"forward"`
	Storage  StorageConfig  `json:"storage"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Alert    AlertConfig    `json:"alert"`
	Log      LogConfig      `json:"log"`
	Instance string         `json:"instance"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	IdleTimeout   time.Duration `json:"idle_timeout"`
	AdminUsername string        `json:"admin_username"`
	AdminPassword string        `json:"-"`
	AllowedIPs    []string      `json:"allowed_ips"` // plain addresses or CIDR-style prefixes
}

// WebhookConfig represents outbound destination configuration
type WebhookConfig struct {
	// DefaultURL set from the environment wins over the persisted value and
	// prevents write-back of that field
	DefaultURL   string `json:"default_url"`
	SecondaryURL string `json:"secondary_url"`
}

// MentionConfig represents mention detection configuration
type MentionConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url"`
	Token    string `json:"-"`
	Keywords string `json:"keywords"`
	// OnlyToMentionWebhook suppresses normal forwarding once a mention fires
	OnlyToMentionWebhook bool `json:"only_to_mention_webhook"`
}

// ForwardConfig represents runtime forwarding flags
type ForwardConfig struct {
	OutgoingMessages bool `json:"outgoing_messages"`
	MessageUpdates   bool `json:"message_updates"`
	LogPresence      bool `json:"log_presence"`
}

// StorageConfig represents durable store limits and location
type StorageConfig struct {
	DataDir           string `json:"data_dir"`
	RecentEventsLimit int    `json:"recent_events_limit"`
	MaxPerSource      int    `json:"max_messages_per_phone"`
	MaxTotalMessages  int    `json:"max_total_messages"`
	MaxMediaFiles     int    `json:"max_media_files"`
	MaxMediaBytes     int64  `json:"max_media_bytes"`
}

// WhatsAppConfig represents the direct client adapter configuration
type WhatsAppConfig struct {
	Enabled  bool   `json:"enabled"`
	DBDriver string `json:"db_driver"` // "sqlite3" or "postgres"
	DBURL    string `json:"db_url"`
	LogLevel string `json:"log_level"`
}

// AlertConfig represents notification channel configuration
type AlertConfig struct {
	NotificationURL string `json:"notification_url"`
	SlackURL        string `json:"slack_url"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level"`
	Output        string `json:"output"`
	ConsoleFormat string `json:"console_format"`
	FileFormat    string `json:"file_format"`
	TimeFormat    string `json:"time_format"`
	Caller        bool   `json:"caller"`
	FilePath      string `json:"file_path"`
	MaxSize       int    `json:"max_size"`
	MaxBackups    int    `json:"max_backups"`
	MaxAge        int    `json:"max_age"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if file doesn't exist)
	_ = godotenv.Load()

	dataDir := getEnvString("DATA_DIR", "./data")

	config := &Config{
		Server: ServerConfig{
			Host:          getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:          getEnvInt("PORT", 8080),
			ReadTimeout:   getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:  getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:   getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AdminUsername: getEnvString("ADMIN_USERNAME", ""),
			AdminPassword: getEnvString("ADMIN_PASSWORD", ""),
			AllowedIPs:    getEnvStringSlice("ALLOWED_IPS", nil),
		},
		Webhook: WebhookConfig{
			DefaultURL:   getEnvString("WEBHOOK_URL", ""),
			SecondaryURL: getEnvString("SECONDARY_WEBHOOK_URL", ""),
		},
		Mention: MentionConfig{
			Enabled:              getEnvBool("MENTION_DETECTION_ENABLED", false),
			URL:                  getEnvString("MENTION_WEBHOOK_URL", ""),
			Token:                getEnvString("MENTION_WEBHOOK_TOKEN", ""),
			Keywords:             getEnvString("MENTION_KEYWORDS", "דוד,david"),
			OnlyToMentionWebhook: getEnvBool("MENTION_ONLY_TO_MENTION_WEBHOOK", false),
		},
		Forward: ForwardConfig{
			OutgoingMessages: getEnvBool("FORWARD_OUTGOING_MESSAGES", false),
			MessageUpdates:   getEnvBool("FORWARD_MESSAGE_UPDATES", false),
			LogPresence:      getEnvBool("LOG_PRESENCE_EVENTS", false),
		},
		Storage: StorageConfig{
			DataDir:           dataDir,
			RecentEventsLimit: getEnvInt("RECENT_EVENTS_LIMIT", 100),
			MaxPerSource:      getEnvInt("MAX_MESSAGES_PER_PHONE", 100),
			MaxTotalMessages:  getEnvInt("MAX_TOTAL_MESSAGES", 5000),
			MaxMediaFiles:     getEnvInt("MAX_MEDIA_FILES", 500),
			MaxMediaBytes:     getEnvInt64("MAX_MEDIA_BYTES", 10*1024*1024),
		},
		WhatsApp: WhatsAppConfig{
			Enabled:  getEnvBool("WHATSAPP_CLIENT_ENABLED", false),
			DBDriver: getEnvString("WHATSAPP_DB_DRIVER", "sqlite3"),
			DBURL:    getEnvString("WHATSAPP_DB_URL", ""),
			LogLevel: getEnvString("WHATSAPP_LOG_LEVEL", "INFO"),
		},
		Alert: AlertConfig{
			NotificationURL: getEnvString("NOTIFICATION_WEBHOOK_URL", ""),
			SlackURL:        getEnvString("SLACK_WEBHOOK_URL", ""),
		},
		Log: LogConfig{
			Level:         getEnvString("LOG_LEVEL", "info"),
			Output:        getEnvString("LOG_OUTPUT", "console"),
			ConsoleFormat: getEnvString("LOG_CONSOLE_FORMAT", "console"),
			FileFormat:    getEnvString("LOG_FILE_FORMAT", "json"),
			TimeFormat:    getEnvString("LOG_TIME_FORMAT", time.RFC3339),
			Caller:        getEnvBool("LOG_CALLER", false),
			FilePath:      getEnvString("LOG_FILE_PATH", "./logs/wafilter.log"),
			MaxSize:       getEnvInt("LOG_MAX_SIZE", 100),
			MaxBackups:    getEnvInt("LOG_MAX_BACKUPS", 3),
			MaxAge:        getEnvInt("LOG_MAX_AGE", 28),
		},
		Instance: getEnvString("INSTANCE_NAME", "whatsapp-filter"),
	}

	if config.WhatsApp.DBURL == "" {
		config.WhatsApp.DBURL = fmt.Sprintf("file:%s/whatsapp.db?_foreign_keys=on", dataDir)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate validates the configuration. Startup validation failures are the
// only fatal errors in the process.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if (c.Server.AdminUsername == "") != (c.Server.AdminPassword == "") {
		return fmt.Errorf("admin credentials require both ADMIN_USERNAME and ADMIN_PASSWORD")
	}

	if !c.WhatsApp.Enabled && c.Webhook.DefaultURL == "" {
		return fmt.Errorf("WEBHOOK_URL is required when the WhatsApp client is disabled")
	}

	for _, u := range []string{c.Webhook.DefaultURL, c.Webhook.SecondaryURL, c.Mention.URL,
		c.Alert.NotificationURL, c.Alert.SlackURL} {
		if err := routing.ValidateWebhookURL(u); err != nil {
			return fmt.Errorf("invalid webhook URL %q: %w", u, err)
		}
	}

	validLogLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLogLevels, c.Log.Level) {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validLogOutputs := []string{"console", "file", "dual"}
	if !contains(validLogOutputs, c.Log.Output) {
		return fmt.Errorf("invalid log output: %s", c.Log.Output)
	}

	validDrivers := []string{"sqlite3", "postgres"}
	if !contains(validDrivers, c.WhatsApp.DBDriver) {
		return fmt.Errorf("invalid whatsapp db driver: %s", c.WhatsApp.DBDriver)
	}

	if c.Storage.RecentEventsLimit <= 0 || c.Storage.MaxPerSource <= 0 ||
		c.Storage.MaxTotalMessages <= 0 || c.Storage.MaxMediaFiles <= 0 ||
		c.Storage.MaxMediaBytes <= 0 {
		return fmt.Errorf("storage limits must be positive")
	}

	return nil
}

// GetServerAddress returns the server address
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MentionKeywords returns the configured keyword list, trimmed and lowercased
func (c *Config) MentionKeywords() []string {
	var keywords []string
	for _, k := range strings.Split(c.Mention.Keywords, ",") {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			keywords = append(keywords, k)
		}
	}
	return keywords
}

// HasEnvWebhook reports whether the default destination was env-provided
func (c *Config) HasEnvWebhook() bool {
	return c.Webhook.DefaultURL != ""
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var parts []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		return parts
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
