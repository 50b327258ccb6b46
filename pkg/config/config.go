package config

import (
	"fmt"
	"strings"
	"time"

	"linguacall/pkg/constants"
	"linguacall/pkg/env"
)

// Config holds all configuration for the call client
type Config struct {
	Call      CallConfig
	Token     TokenConfig
	Issuer    IssuerConfig
	Signaling SignalingConfig
	Audio     AudioConfig
	Redis     RedisConfig
	Bridge    BridgeConfig
	Log       LogConfig
}

// CallConfig holds coordinator timing
type CallConfig struct {
	SettleDelay               time.Duration
	LeaveTimeout              time.Duration
	JoinTimeout               time.Duration
	TranslationConfirmTimeout time.Duration
}

// TokenConfig holds renewal scheduling
type TokenConfig struct {
	RenewalMargin time.Duration
	RetryInterval time.Duration
}

// IssuerConfig holds credential issuer configuration
type IssuerConfig struct {
	BaseURL        string
	TokenPath      string
	RequestTimeout time.Duration
	AccessToken    string
}

// SignalingConfig holds signaling socket configuration
type SignalingConfig struct {
	URL                string
	HandshakeTimeout   time.Duration
	DialAttempts       int
	JoinNotifyInterval time.Duration
	JoinNotifyAttempts int
	PingInterval       time.Duration
}

// AudioConfig holds the managed audio engine configuration
type AudioConfig struct {
	AppID string
}

// RedisConfig holds the optional credential cache configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// BridgeConfig holds the local UI bridge listener
type BridgeConfig struct {
	Addr           string
	AllowedOrigins []string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables, after merging an optional .env file
func Load() (*Config, error) {
	if err := env.Load(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	serverHost := strings.TrimRight(env.GetString("SERVER_HOST", ""), "/")

	cfg := &Config{
		Call: CallConfig{
			SettleDelay:               env.GetDuration("CALL_SETTLE_DELAY", constants.SettleDelay),
			LeaveTimeout:              env.GetDuration("CALL_LEAVE_TIMEOUT", constants.LeaveTimeout),
			JoinTimeout:               env.GetDuration("CALL_JOIN_TIMEOUT", constants.JoinTimeout),
			TranslationConfirmTimeout: env.GetDuration("CALL_TRANSLATION_TIMEOUT", constants.TranslationConfirmTimeout),
		},
		Token: TokenConfig{
			RenewalMargin: env.GetDuration("TOKEN_RENEWAL_MARGIN", constants.TokenRenewalMargin),
			RetryInterval: env.GetDuration("TOKEN_RENEWAL_RETRY", constants.TokenRenewalRetryInterval),
		},
		Issuer: IssuerConfig{
			BaseURL:        serverHost,
			TokenPath:      env.GetString("TOKEN_ENDPOINT", "/api/token"),
			RequestTimeout: env.GetDuration("REQUEST_TIMEOUT_MS", constants.IssuerRequestTimeout),
			AccessToken:    env.GetStringFromFile("ACCESS_TOKEN", ""),
		},
		Signaling: SignalingConfig{
			URL:                env.GetString("SIGNALING_URL", websocketURL(serverHost)),
			HandshakeTimeout:   env.GetDuration("SIGNALING_HANDSHAKE_TIMEOUT", constants.SignalingHandshakeTimeout),
			DialAttempts:       env.GetInt("SIGNALING_DIAL_ATTEMPTS", constants.SignalingDialAttempts),
			JoinNotifyInterval: env.GetDuration("SIGNALING_JOIN_NOTIFY_INTERVAL", constants.JoinNotifyInterval),
			JoinNotifyAttempts: env.GetInt("SIGNALING_JOIN_NOTIFY_ATTEMPTS", constants.JoinNotifyAttempts),
			PingInterval:       env.GetDuration("SIGNALING_PING_INTERVAL", constants.WebSocketPingInterval),
		},
		Audio: AudioConfig{
			AppID: env.GetStringFromFile("AGORA_APP_ID", ""),
		},
		Redis: RedisConfig{
			Enabled:  env.GetBool("CREDENTIAL_CACHE_REDIS", false),
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 4),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 2*time.Second),
		},
		Bridge: BridgeConfig{
			Addr:           env.GetString("BRIDGE_ADDR", "127.0.0.1:8787"),
			AllowedOrigins: splitList(env.GetString("CORS_ALLOWED_ORIGINS", "")),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "linguacall.log"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Issuer.BaseURL == "" {
		return fmt.Errorf("SERVER_HOST must be set")
	}
	if c.Signaling.URL == "" {
		return fmt.Errorf("SIGNALING_URL could not be derived from SERVER_HOST")
	}

	durations := map[string]time.Duration{
		"CALL_SETTLE_DELAY":              c.Call.SettleDelay,
		"CALL_LEAVE_TIMEOUT":             c.Call.LeaveTimeout,
		"CALL_JOIN_TIMEOUT":              c.Call.JoinTimeout,
		"CALL_TRANSLATION_TIMEOUT":       c.Call.TranslationConfirmTimeout,
		"TOKEN_RENEWAL_MARGIN":           c.Token.RenewalMargin,
		"TOKEN_RENEWAL_RETRY":            c.Token.RetryInterval,
		"REQUEST_TIMEOUT_MS":             c.Issuer.RequestTimeout,
		"SIGNALING_HANDSHAKE_TIMEOUT":    c.Signaling.HandshakeTimeout,
		"SIGNALING_JOIN_NOTIFY_INTERVAL": c.Signaling.JoinNotifyInterval,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	if c.Call.SettleDelay > constants.MaxSettleDelay {
		return fmt.Errorf("CALL_SETTLE_DELAY must not exceed %s", constants.MaxSettleDelay)
	}
	if c.Signaling.DialAttempts < 1 || c.Signaling.JoinNotifyAttempts < 1 {
		return fmt.Errorf("signaling attempt counts must be at least 1")
	}

	return nil
}

// websocketURL maps the HTTP server host onto its signaling socket endpoint
func websocketURL(serverHost string) string {
	switch {
	case serverHost == "":
		return ""
	case strings.HasPrefix(serverHost, "https://"):
		return "wss://" + strings.TrimPrefix(serverHost, "https://") + "/ws"
	case strings.HasPrefix(serverHost, "http://"):
		return "ws://" + strings.TrimPrefix(serverHost, "http://") + "/ws"
	default:
		return serverHost + "/ws"
	}
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
