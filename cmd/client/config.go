package main

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/blooom-app/blooom/internal/domain"
)

// Config is the terminal client configuration.
type Config struct {
	ServerURL     string        `env:"CHAT_SERVER_URL,default=http://localhost:4000"`
	Token         string        `env:"CHAT_TOKEN"`
	UserID        int64         `env:"CHAT_USER_ID,required=true"`
	PeerID        int64         `env:"CHAT_PEER_ID,default=2"`
	CacheDir      string        `env:"CHAT_CACHE_DIR,default=./data/client-cache"`
	TypingTimeout time.Duration `env:"CHAT_TYPING_TIMEOUT,default=3s"`
	LogLevel      string        `env:"LOG_LEVEL,default=WARN"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return cfg, fmt.Errorf("config error: %w", err)
	}
	if !domain.UserID(cfg.UserID).Valid() {
		return cfg, fmt.Errorf("CHAT_USER_ID must be positive")
	}
	if domain.UserID(cfg.PeerID) == domain.UserID(cfg.UserID) {
		return cfg, fmt.Errorf("CHAT_PEER_ID must differ from CHAT_USER_ID")
	}
	return cfg, nil
}
