package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
addr: ":9090"
token_ttl: 2h
admins: [ops]
broadcast:
  interval: 1s
kafka:
  brokers: [localhost:9092]
  client: sarama
exposure_limit: "5000"
reference_prices:
  USDC: "1"
  ETH: "2500.5"
currencies:
  - code: USDC
    basis_date: 2026-01-01
    tenor_months: 3
    markets: 8
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 2*time.Hour, cfg.TokenTTL)
	assert.Equal(t, time.Second, cfg.Broadcast.Interval)
	assert.Equal(t, 256, cfg.Broadcast.Batch, "unset keys keep defaults")
	assert.Equal(t, "sarama", cfg.Kafka.Client)
	assert.Equal(t, "ratemarket.events", cfg.Kafka.Topic)
	assert.Equal(t, []string{"ops"}, cfg.Admins)

	limit, err := cfg.ExposureDefault()
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(5000).Equal(limit))

	prices, err := cfg.ReferencePrices()
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("2500.5").Equal(prices["ETH"]))

	require.Len(t, cfg.Currencies, 1)
	p, err := cfg.Currencies[0].Params()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), p.BasisDate)
	assert.Equal(t, 8, p.Markets)
	assert.True(t, p.InitialCompoundFactor.IsZero())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RATEMARKET_ADDR", ":7070")
	t.Setenv("RATEMARKET_DATABASE_URL", "postgres://localhost/rates")
	t.Setenv("RATEMARKET_JWT_SECRET", "s3cret")
	t.Setenv("RATEMARKET_KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := Load(writeConfig(t, `addr: ":9090"`))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Addr)
	assert.Equal(t, "postgres://localhost/rates", cfg.DatabaseURL)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "BadYAML", body: "addr: [unclosed"},
		{name: "BadClient", body: "kafka:\n  client: zmq"},
		{name: "BadLimit", body: `exposure_limit: "lots"`},
		{name: "BadPrice", body: "reference_prices:\n  ETH: cheap"},
		{name: "BadBasisDate", body: "currencies:\n  - code: USDC\n    basis_date: 01/01/2026"},
		{name: "BadFactor", body: "currencies:\n  - code: USDC\n    basis_date: 2026-01-01\n    initial_compound_factor: x"},
		{name: "EmptyAddr", body: `addr: ""`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_ParsedValuesReportErrors(t *testing.T) {
	cfg := Default()
	cfg.ExposureLimit = "lots"
	cfg.Reference = map[string]string{"ETH": "cheap"}
	cfg.Currencies = []Currency{{Code: "USDC", BasisDate: "soon"}}

	_, err := cfg.ExposureDefault()
	assert.ErrorContains(t, err, "exposure_limit")
	_, err = cfg.ReferencePrices()
	assert.ErrorContains(t, err, "reference_prices.ETH")
	_, err = cfg.Currencies[0].Params()
	assert.ErrorContains(t, err, "currency USDC basis_date")

	err = cfg.Validate()
	assert.ErrorContains(t, err, "exposure_limit")
	assert.ErrorContains(t, err, "reference_prices.ETH")
	assert.ErrorContains(t, err, "currency USDC basis_date")
}
