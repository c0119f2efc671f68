package config

import (
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds everything the client needs from the environment.
type Config struct {
	ServerURL      string `envconfig:"COOP_SERVER_URL" default:"http://localhost:8080"`
	SocketURL      string `envconfig:"COOP_SOCKET_URL" default:"ws://localhost:8080/ws"`
	UserID         string `envconfig:"COOP_USER_ID"`
	DisplayName    string `envconfig:"COOP_DISPLAY_NAME"`
	PollInterval   int    `envconfig:"COOP_POLL_INTERVAL_SEC" default:"5"`
	ReadyCountdown int    `envconfig:"COOP_READY_COUNTDOWN_SEC" default:"5"`
	Debug          bool   `envconfig:"COOP_DEBUG" default:"false"`
}

// Load reads .env if present, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
