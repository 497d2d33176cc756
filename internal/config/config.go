package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type PayOSConfig struct {
	BaseURL     string
	ClientID    string
	APIKey      string
	ChecksumKey string
	ReturnURL   string
	CancelURL   string
	Timeout     time.Duration
}

type Config struct {
	Addr         string
	PostgresDSN  string
	RedisAddr    string
	KafkaBrokers []string
	JWTSecret    string
	PayOS        PayOSConfig

	// PaymentRateLimit is the number of payment-creation requests allowed
	// per client IP per minute.
	PaymentRateLimit int
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using default values", "error", err)
	}

	cfg := &Config{
		Addr:         os.Getenv("ADDR"),
		PostgresDSN:  os.Getenv("POSTGRES_DSN"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		KafkaBrokers: []string{os.Getenv("KAFKA_BROKER")},
		JWTSecret:    os.Getenv("JWT_SECRET"),
		PayOS: PayOSConfig{
			BaseURL:     os.Getenv("PAYOS_BASE_URL"),
			ClientID:    os.Getenv("PAYOS_CLIENT_ID"),
			APIKey:      os.Getenv("PAYOS_API_KEY"),
			ChecksumKey: os.Getenv("PAYOS_CHECKSUM_KEY"),
			ReturnURL:   os.Getenv("PAYOS_RETURN_URL"),
			CancelURL:   os.Getenv("PAYOS_CANCEL_URL"),
			Timeout:     10 * time.Second,
		},
		PaymentRateLimit: 10,
	}

	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.PostgresDSN == "" {
		cfg.PostgresDSN = "host=localhost user=postgres password=postgres dbname=tokenpay sslmode=disable"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if len(cfg.KafkaBrokers) == 1 && cfg.KafkaBrokers[0] == "" {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "supersecret"
	}
	if cfg.PayOS.BaseURL == "" {
		cfg.PayOS.BaseURL = "https://api-merchant.payos.vn"
	}
	if v := os.Getenv("PAYMENT_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PaymentRateLimit = n
		}
	}

	slog.Info("config loaded",
		"addr", cfg.Addr,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"payos_base_url", cfg.PayOS.BaseURL)
	return cfg
}
