package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"time"
)

const (
	DefaultPageSize             = 20
	DefaultTypingTimeout        = 3 * time.Second
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultRequestsPerSecond    = 10
)

type Config struct {
	WebSocketURL string
	APIBaseURL   string
	UserId       string
	// At least one of Token and SigningKey is set. With both, the key
	// verifies the token instead of minting one.
	Token      string
	SigningKey []byte

	PageSize             int
	TypingTimeout        time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	RequestsPerSecond    float64
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("empty key")
	}
	return key, nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}

func NewConfig(wsURL, apiURL, userId, token, base64Secret string) (*Config, error) {
	if wsURL == "" {
		return nil, fmt.Errorf("websocket url cannot be empty")
	}
	if err := validateURL(wsURL, "ws", "wss"); err != nil {
		return nil, fmt.Errorf("websocket url: %w", err)
	}
	if apiURL == "" {
		return nil, fmt.Errorf("api url cannot be empty")
	}
	if err := validateURL(apiURL, "http", "https"); err != nil {
		return nil, fmt.Errorf("api url: %w", err)
	}
	if userId == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}
	if token == "" && base64Secret == "" {
		return nil, fmt.Errorf("either a token or a signing secret is required")
	}

	cfg := &Config{
		WebSocketURL:         wsURL,
		APIBaseURL:           apiURL,
		UserId:               userId,
		Token:                token,
		PageSize:             DefaultPageSize,
		TypingTimeout:        DefaultTypingTimeout,
		ReconnectBaseDelay:   DefaultReconnectBaseDelay,
		ReconnectMaxDelay:    DefaultReconnectMaxDelay,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		RequestsPerSecond:    DefaultRequestsPerSecond,
	}

	if base64Secret != "" {
		// Decode the base64 encoded signing secret
		signingKey, err := decodeSigningSecret(base64Secret)
		if err != nil {
			return nil, fmt.Errorf("decode signing secret: %w", err)
		}
		cfg.SigningKey = signingKey
	}

	return cfg, nil
}
