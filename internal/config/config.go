// Package config содержит логику чтения конфигурации магазина.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации магазина.
type Config struct {
	RunAddress    string        `env:"RUN_ADDRESS"`
	DatabaseURI   string        `env:"DATABASE_URI"`
	WorldAddress  string        `env:"WORLD_ADDRESS"`
	PaymentSecret string        `env:"PAYMENT_WEBHOOK_SECRET"`
	VoteSecret    string        `env:"VOTE_CALLBACK_SECRET"`
	CronToken     string        `env:"CRON_TOKEN"`
	SessionSecret string        `env:"SESSION_SECRET"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SweepBatch    int           `env:"SWEEP_BATCH" envDefault:"100"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных
// окружения. Окружение имеет приоритет над флагами; секреты задаются
// только через окружение.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envWorldAddress := cfg.WorldAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.WorldAddress, "w", "", "game world RPC address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envWorldAddress != "" {
		cfg.WorldAddress = envWorldAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
