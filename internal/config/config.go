// Package config loads the server configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/xtrntr/ratemarket/internal/exchange"
)

type Config struct {
	Addr           string        `yaml:"addr"`
	DataDir        string        `yaml:"data_dir"`
	DatabaseURL    string        `yaml:"database_url"`
	MigrationsPath string        `yaml:"migrations_path"`
	JWTSecret      string        `yaml:"jwt_secret"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	// Admins may initialize currencies, create and rotate markets and
	// update curves.
	Admins []string `yaml:"admins"`

	Broadcast Broadcast `yaml:"broadcast"`
	Kafka     Kafka     `yaml:"kafka"`

	// ExposureLimit caps each owner's debt per currency; empty or zero is
	// unlimited.
	ExposureLimit string            `yaml:"exposure_limit"`
	Reference     map[string]string `yaml:"reference_prices"`
	Currencies    []Currency        `yaml:"currencies"`
}

type Broadcast struct {
	Interval time.Duration `yaml:"interval"`
	Batch    int           `yaml:"batch"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	// Client is "kafka-go" or "sarama".
	Client string `yaml:"client"`
}

// Currency is initialized at startup when the journal does not know it yet.
type Currency struct {
	Code                  string `yaml:"code"`
	BasisDate             string `yaml:"basis_date"` // YYYY-MM-DD
	TenorMonths           int    `yaml:"tenor_months"`
	Markets               int    `yaml:"markets"`
	InitialCompoundFactor string `yaml:"initial_compound_factor"`
}

func Default() Config {
	return Config{
		Addr:           ":8080",
		DataDir:        "data",
		MigrationsPath: "migrations/001_init.sql",
		JWTSecret:      "change-me",
		TokenTTL:       24 * time.Hour,
		Broadcast:      Broadcast{Interval: 250 * time.Millisecond, Batch: 256},
		Kafka:          Kafka{Topic: "ratemarket.events", Client: "kafka-go"},
	}
}

// Load reads path over the defaults, then applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("RATEMARKET_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("RATEMARKET_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("RATEMARKET_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("RATEMARKET_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret is required"))
	}
	if c.Kafka.Client != "kafka-go" && c.Kafka.Client != "sarama" {
		errs = append(errs, fmt.Errorf("kafka.client must be kafka-go or sarama, got %q", c.Kafka.Client))
	}
	if _, err := c.ExposureDefault(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ReferencePrices(); err != nil {
		errs = append(errs, err)
	}
	for _, cur := range c.Currencies {
		if _, err := cur.Params(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c Config) ExposureDefault() (decimal.Decimal, error) {
	if c.ExposureLimit == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(c.ExposureLimit)
	if err != nil {
		return decimal.Zero, fmt.Errorf("exposure_limit: %w", err)
	}
	return d, nil
}

func (c Config) ReferencePrices() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.Reference))
	for code, p := range c.Reference {
		d, err := decimal.NewFromString(p)
		if err != nil {
			return nil, fmt.Errorf("reference_prices.%s: %w", code, err)
		}
		out[code] = d
	}
	return out, nil
}

// Params converts the YAML form into controller parameters.
func (c Currency) Params() (exchange.CurrencyParams, error) {
	basis, err := time.Parse(time.DateOnly, c.BasisDate)
	if err != nil {
		return exchange.CurrencyParams{}, fmt.Errorf("currency %s basis_date: %w", c.Code, err)
	}
	p := exchange.CurrencyParams{
		Code:        c.Code,
		BasisDate:   basis,
		TenorMonths: c.TenorMonths,
		Markets:     c.Markets,
	}
	if c.InitialCompoundFactor != "" {
		if p.InitialCompoundFactor, err = decimal.NewFromString(c.InitialCompoundFactor); err != nil {
			return exchange.CurrencyParams{}, fmt.Errorf("currency %s initial_compound_factor: %w", c.Code, err)
		}
	}
	return p, nil
}
