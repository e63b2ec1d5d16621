// Package config содержит логику чтения конфигурации сервиса smarthotel.
package config

import (
	"errors"
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса smarthotel.
type Config struct {
	RunAddress              string `env:"RUN_ADDRESS"`
	DatabaseURI             string `env:"DATABASE_URI"`
	SettlementSystemAddress string `env:"SETTLEMENT_SYSTEM_ADDRESS"`
	TokenPrice              int64  `env:"HOTEL_TOKEN_PRICE"`
	RoomCount               int64  `env:"HOTEL_ROOM_COUNT"`
	TokensPerNight          int64  `env:"HOTEL_TOKENS_PER_NIGHT"`
	OwnerLogin              string `env:"OWNER_LOGIN"`
	AuthSecret              string `env:"AUTH_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envSettlementAddress := cfg.SettlementSystemAddress
	envTokenPrice := cfg.TokenPrice
	envRoomCount := cfg.RoomCount
	envTokensPerNight := cfg.TokensPerNight
	envOwnerLogin := cfg.OwnerLogin
	envAuthSecret := cfg.AuthSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.SettlementSystemAddress, "r", "", "deposit settlement system address")
	flag.Int64Var(&cfg.TokenPrice, "p", 10000, "initial price per token in value minor units")
	flag.Int64Var(&cfg.RoomCount, "n", 100, "number of rooms in the hotel")
	flag.Int64Var(&cfg.TokensPerNight, "t", 1, "tokens debited per booked night")
	flag.StringVar(&cfg.OwnerLogin, "o", "owner", "login of the hotel owner account")
	flag.StringVar(&cfg.AuthSecret, "s", "smarthotel-secret", "secret key for auth cookies")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envSettlementAddress != "" {
		cfg.SettlementSystemAddress = envSettlementAddress
	}
	if envTokenPrice != 0 {
		cfg.TokenPrice = envTokenPrice
	}
	if envRoomCount != 0 {
		cfg.RoomCount = envRoomCount
	}
	if envTokensPerNight != 0 {
		cfg.TokensPerNight = envTokensPerNight
	}
	if envOwnerLogin != "" {
		cfg.OwnerLogin = envOwnerLogin
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.TokenPrice <= 0 {
		return nil, errors.New("token price must be positive")
	}
	if cfg.RoomCount <= 0 {
		return nil, errors.New("room count must be positive")
	}
	if cfg.TokensPerNight <= 0 {
		return nil, errors.New("tokens per night must be positive")
	}

	return cfg, nil
}
