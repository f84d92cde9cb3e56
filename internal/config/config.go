// Package config содержит логику чтения конфигурации движка прав доступа.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const sqliteScheme = "sqlite://"

// Config содержит параметры конфигурации сервера и воркера сверки.
type Config struct {
	RunAddress        string        `env:"RUN_ADDRESS"`
	DatabaseURI       string        `env:"DATABASE_URI"`
	CatalogAddress    string        `env:"CATALOG_ADDRESS"`
	CatalogCourses    string        `env:"CATALOG_COURSES"`
	RedisAddr         string        `env:"REDIS_ADDR"`
	KafkaBrokers      string        `env:"KAFKA_BROKERS"`
	JWTSecret         string        `env:"JWT_SECRET"`
	OTLPEndpoint      string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL"`
}

// Parse считывает конфигурацию из .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI: postgres://... or sqlite://path")
	flag.StringVar(&cfg.CatalogAddress, "c", "", "content store base URL")
	flag.StringVar(&cfg.CatalogCourses, "courses", "", "static catalog id:price,... used without content store")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address")
	flag.StringVar(&cfg.KafkaBrokers, "k", "", "comma-separated kafka brokers")
	flag.StringVar(&cfg.JWTSecret, "s", "", "HMAC secret for identity tokens")
	flag.StringVar(&cfg.OTLPEndpoint, "otel", "", "OTLP/HTTP endpoint")
	flag.DurationVar(&cfg.ReconcileInterval, "i", 30*time.Second, "reconciliation sweep interval")

	flag.Parse()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}

	return cfg, nil
}

// Brokers возвращает список брокеров Kafka или nil, если Kafka не настроена.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// SQLitePath возвращает путь к файлу SQLite, если DATABASE_URI задан в виде sqlite://path.
func (c *Config) SQLitePath() (string, bool) {
	if !strings.HasPrefix(c.DatabaseURI, sqliteScheme) {
		return "", false
	}
	return strings.TrimPrefix(c.DatabaseURI, sqliteScheme), true
}

// Validate проверяет обязательные параметры. Секрет токенов нужен только HTTP-серверу.
func (c *Config) Validate(requireSecret bool) error {
	if c.DatabaseURI == "" {
		return errors.New("database URI is required")
	}
	if path, ok := c.SQLitePath(); ok && path == "" {
		return errors.New("sqlite path is empty")
	}
	if requireSecret && c.JWTSecret == "" {
		return errors.New("jwt secret is required")
	}
	return nil
}
