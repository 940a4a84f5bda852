package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port            string `yaml:"port"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
		Refresh  string `yaml:"refresh"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Ratings struct {
		TTL     string  `yaml:"ttl"`
		Default float64 `yaml:"default"`
	} `yaml:"ratings"`
	Match struct {
		Category          string `yaml:"category"`
		MinPlayers        int    `yaml:"min_players"`
		MaxPlayers        int    `yaml:"max_players"`
		Duration          string `yaml:"duration"`
		StartDelay        string `yaml:"start_delay"`
		ReconnectGrace    string `yaml:"reconnect_grace"`
		EndLinger         string `yaml:"end_linger"`
		InitTimeout       string `yaml:"init_timeout"`
		MaxInitRecoveries int    `yaml:"max_init_recoveries"`
		PointsPerCorrect  int    `yaml:"points_per_correct"`
	} `yaml:"match"`
	Queue struct {
		SelectionTimeout string  `yaml:"selection_timeout"`
		PollInterval     string  `yaml:"poll_interval"`
		FoundLinger      string  `yaml:"found_linger"`
		RatingWindow     float64 `yaml:"rating_window"`
		WindowGrowth     float64 `yaml:"window_growth"`
		MaxRatingWindow  float64 `yaml:"max_rating_window"`
	} `yaml:"queue"`
	Connection struct {
		PingInterval     string `yaml:"ping_interval"`
		GoodBelow        string `yaml:"good_below"`
		DegradedBelow    string `yaml:"degraded_below"`
		Window           int    `yaml:"window"`
		StatesEveryTicks int    `yaml:"states_every_ticks"`
	} `yaml:"connection"`
	Limits struct {
		MessagesPerSecond float64 `yaml:"messages_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"limits"`
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Duration parses a duration string or returns the fallback if empty or invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

// Int returns v, or fallback when v is not positive.
func Int(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// Float returns v, or fallback when v is not positive.
func Float(v, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	return v
}
