package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	SecretKey string
	Port      string

	// Access tokens
	TokenAlgorithm    string
	AccessTokenExpiry time.Duration

	// Durable store
	KVEnabled  bool
	KVURL      string
	KVPassword string

	// Uploads
	MaxFileSize     int64
	UploadDirectory string

	// ICE configuration handed to WebRTC clients
	StunServers      []string
	TurnServers      []TurnServer
	IceServersPublic bool

	// Rooms
	MaxParticipantsDefault int

	// Runtime
	GoEnv             string
	LogLevel          string
	DevelopmentMode   bool
	AllowedOrigins    string
	OtelCollectorAddr string

	// Rate Limits
	RateLimitApiGlobal string
	RateLimitApiAuth   string
	RateLimitApiRooms  string
	RateLimitWsIp      string
}

// TurnServer is one TURN entry as served to clients, matching the shape the
// WebRTC RTCPeerConnection constructor expects.
type TurnServer struct {
	URLs       string `json:"urls"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

const defaultStunServers = "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: SECRET_KEY (minimum 32 characters)
	cfg.SecretKey = os.Getenv("SECRET_KEY")
	if cfg.SecretKey == "" {
		errors = append(errors, "SECRET_KEY is required")
	} else if len(cfg.SecretKey) < 32 {
		errors = append(errors, fmt.Sprintf("SECRET_KEY must be at least 32 characters (got %d)", len(cfg.SecretKey)))
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Optional: TOKEN_ALGORITHM (defaults to HS256)
	cfg.TokenAlgorithm = getEnvOrDefault("TOKEN_ALGORITHM", "HS256")

	// Optional: ACCESS_TOKEN_EXP_MINS (defaults to 30 minutes)
	expMins := getEnvOrDefault("ACCESS_TOKEN_EXP_MINS", "30")
	if mins, err := strconv.Atoi(expMins); err != nil || mins < 1 {
		errors = append(errors, fmt.Sprintf("ACCESS_TOKEN_EXP_MINS must be a positive integer (got '%s')", expMins))
	} else {
		cfg.AccessTokenExpiry = time.Duration(mins) * time.Minute
	}

	// Conditional: KV_URL (used unless KV_ENABLED=false)
	cfg.KVEnabled = os.Getenv("KV_ENABLED") != "false"
	if cfg.KVEnabled {
		cfg.KVURL = os.Getenv("KV_URL")
		if cfg.KVURL == "" {
			// Default to localhost:6379 if not specified
			cfg.KVURL = "localhost:6379"
			slog.Warn("KV_URL not set, using default", "addr", cfg.KVURL)
		} else if !isValidHostPort(cfg.KVURL) {
			errors = append(errors, fmt.Sprintf("KV_URL must be in format 'host:port' (got '%s')", cfg.KVURL))
		}
		cfg.KVPassword = os.Getenv("KV_PASSWORD")
	}

	// Optional: MAX_FILE_SIZE in bytes (defaults to 10 MiB)
	maxFileSize := getEnvOrDefault("MAX_FILE_SIZE", "10485760")
	if size, err := strconv.ParseInt(maxFileSize, 10, 64); err != nil || size < 1 {
		errors = append(errors, fmt.Sprintf("MAX_FILE_SIZE must be a positive integer of bytes (got '%s')", maxFileSize))
	} else {
		cfg.MaxFileSize = size
	}

	// Optional: UPLOAD_DIRECTORY (defaults to "uploads")
	cfg.UploadDirectory = getEnvOrDefault("UPLOAD_DIRECTORY", "uploads")

	// Optional: STUN_SERVERS (comma-separated URLs)
	for _, s := range strings.Split(getEnvOrDefault("STUN_SERVERS", defaultStunServers), ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.StunServers = append(cfg.StunServers, s)
		}
	}

	// Optional: TURN_SERVERS (JSON array of {urls, username, credential})
	if turnJSON := os.Getenv("TURN_SERVERS"); turnJSON != "" {
		if err := json.Unmarshal([]byte(turnJSON), &cfg.TurnServers); err != nil {
			errors = append(errors, fmt.Sprintf("TURN_SERVERS must be a JSON array of {urls, username, credential}: %v", err))
		}
	}

	// Optional: ICE_SERVERS_PUBLIC exposes the ice-servers read without auth
	cfg.IceServersPublic = os.Getenv("ICE_SERVERS_PUBLIC") == "true"

	// Optional: MAX_PARTICIPANTS_DEFAULT (defaults to 10)
	maxParticipants := getEnvOrDefault("MAX_PARTICIPANTS_DEFAULT", "10")
	if n, err := strconv.Atoi(maxParticipants); err != nil || n < 1 {
		errors = append(errors, fmt.Sprintf("MAX_PARTICIPANTS_DEFAULT must be a positive integer (got '%s')", maxParticipants))
	} else {
		cfg.MaxParticipantsDefault = n
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitApiGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitApiAuth = getEnvOrDefault("RATE_LIMIT_API_AUTH", "20-M")
	cfg.RateLimitApiRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitWsIp = getEnvOrDefault("RATE_LIMIT_WS_IP", "60-M")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// ICEServers assembles the client ICE configuration: STUN URLs first, then
// TURN entries carrying their credentials.
func (c *Config) ICEServers() []any {
	servers := make([]any, 0, len(c.StunServers)+len(c.TurnServers))
	for _, s := range c.StunServers {
		servers = append(servers, s)
	}
	for _, t := range c.TurnServers {
		servers = append(servers, t)
	}
	return servers
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"secret_key", redactSecret(cfg.SecretKey),
		"port", cfg.Port,
		"token_algorithm", cfg.TokenAlgorithm,
		"access_token_expiry", cfg.AccessTokenExpiry,
		"kv_enabled", cfg.KVEnabled,
		"kv_url", cfg.KVURL,
		"max_file_size", cfg.MaxFileSize,
		"upload_directory", cfg.UploadDirectory,
		"stun_servers", len(cfg.StunServers),
		"turn_servers", len(cfg.TurnServers),
		"max_participants_default", cfg.MaxParticipantsDefault,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"rate_limit_api_global", cfg.RateLimitApiGlobal,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
