package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	Environment         string
	LogLevel            string
	EncryptionKeyBase64 string
	APIToken            string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string

	IMAPServer     string
	IMAPUsername   string
	IMAPPassword   string
	IMAPUseTLS     bool
	IMAPMaxWorkers int
	SMTPServer     string
	SMTPUsername   string
	SMTPPassword   string
	// SMTPSecurity is one of "tls", "starttls" or "none".
	SMTPSecurity string
	Folders      Folders

	QueueWorkers     int
	QueueRetryLimit  int
	QueueBackoffBase time.Duration
	QueueBackoffMax  time.Duration
	QueueRunTimeout  time.Duration

	ConnectivityProbeInterval time.Duration
	SyncInterval              time.Duration
}

// Folders maps locations to IMAP folder names.
type Folders struct {
	Inbox   string
	Archive string
	Sent    string
	Drafts  string
	Trash   string
	Spam    string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("VMAIL_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			log.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:         env,
		LogLevel:            getEnvOrDefault("VMAIL_LOG_LEVEL", "info"),
		EncryptionKeyBase64: os.Getenv("VMAIL_ENCRYPTION_KEY_BASE64"),
		APIToken:            os.Getenv("VMAIL_API_TOKEN"),
		DBHost:              getEnvOrDefault("VMAIL_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("VMAIL_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("VMAIL_DB_USER", "vmail"),
		DBPassword:          os.Getenv("VMAIL_DB_PASSWORD"),
		DBName:              getEnvOrDefault("VMAIL_DB_NAME", "vmail"),
		DBSSLMode:           getEnvOrDefault("VMAIL_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),

		IMAPServer:   os.Getenv("VMAIL_IMAP_SERVER"),
		IMAPUsername: os.Getenv("VMAIL_IMAP_USERNAME"),
		IMAPPassword: os.Getenv("VMAIL_IMAP_PASSWORD"),
		IMAPUseTLS:   os.Getenv("VMAIL_IMAP_TLS") != "false",
		SMTPServer:   os.Getenv("VMAIL_SMTP_SERVER"),
		SMTPUsername: getEnvOrDefault("VMAIL_SMTP_USERNAME", os.Getenv("VMAIL_IMAP_USERNAME")),
		SMTPPassword: getEnvOrDefault("VMAIL_SMTP_PASSWORD", os.Getenv("VMAIL_IMAP_PASSWORD")),
		SMTPSecurity: getEnvOrDefault("VMAIL_SMTP_SECURITY", "starttls"),
		Folders: Folders{
			Inbox:   getEnvOrDefault("VMAIL_FOLDER_INBOX", "INBOX"),
			Archive: getEnvOrDefault("VMAIL_FOLDER_ARCHIVE", "Archive"),
			Sent:    getEnvOrDefault("VMAIL_FOLDER_SENT", "Sent"),
			Drafts:  getEnvOrDefault("VMAIL_FOLDER_DRAFTS", "Drafts"),
			Trash:   getEnvOrDefault("VMAIL_FOLDER_TRASH", "Trash"),
			Spam:    getEnvOrDefault("VMAIL_FOLDER_SPAM", "Spam"),
		},
	}

	var err error
	if config.QueueWorkers, err = getIntOrDefault("VMAIL_QUEUE_WORKERS", 4); err != nil {
		return nil, err
	}
	if config.IMAPMaxWorkers, err = getIntOrDefault("VMAIL_IMAP_WORKERS", 3); err != nil {
		return nil, err
	}
	if config.QueueRetryLimit, err = getIntOrDefault("VMAIL_QUEUE_RETRY_LIMIT", 10); err != nil {
		return nil, err
	}
	if config.QueueBackoffBase, err = getDurationOrDefault("VMAIL_QUEUE_BACKOFF_BASE", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if config.QueueBackoffMax, err = getDurationOrDefault("VMAIL_QUEUE_BACKOFF_MAX", 5*time.Minute); err != nil {
		return nil, err
	}
	if config.QueueRunTimeout, err = getDurationOrDefault("VMAIL_QUEUE_RUN_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if config.ConnectivityProbeInterval, err = getDurationOrDefault("VMAIL_CONNECTIVITY_PROBE_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if config.SyncInterval, err = getDurationOrDefault("VMAIL_SYNC_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("VMAIL_ENCRYPTION_KEY_BASE64 is required")
	}

	key, err := base64.StdEncoding.DecodeString(c.EncryptionKeyBase64)
	if err != nil {
		return fmt.Errorf("VMAIL_ENCRYPTION_KEY_BASE64 is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("VMAIL_ENCRYPTION_KEY_BASE64 must decode to 32 bytes, got %d", len(key))
	}

	if c.APIToken == "" {
		return fmt.Errorf("VMAIL_API_TOKEN is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("VMAIL_DB_PASSWORD is required")
	}

	if c.IMAPServer == "" {
		return fmt.Errorf("VMAIL_IMAP_SERVER is required")
	}

	if c.IMAPMaxWorkers <= 0 {
		return fmt.Errorf("VMAIL_IMAP_WORKERS must be positive, got %d", c.IMAPMaxWorkers)
	}

	switch c.SMTPSecurity {
	case "tls", "starttls", "none":
	default:
		return fmt.Errorf("invalid VMAIL_SMTP_SECURITY %q, want tls, starttls or none", c.SMTPSecurity)
	}

	if c.QueueWorkers <= 0 {
		return fmt.Errorf("VMAIL_QUEUE_WORKERS must be positive, got %d", c.QueueWorkers)
	}

	if c.QueueRetryLimit < 0 {
		return fmt.Errorf("VMAIL_QUEUE_RETRY_LIMIT must not be negative, got %d", c.QueueRetryLimit)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid VMAIL_LOG_LEVEL: %w", err)
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}
