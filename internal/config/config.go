package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                     string        `mapstructure:"PORT"`
	Env                      string        `mapstructure:"ENV"`
	LogLevel                 string        `mapstructure:"LOG_LEVEL"`
	FHIRBaseURL              string        `mapstructure:"FHIR_BASE_URL"`
	InvocationTimeout        time.Duration `mapstructure:"INVOCATION_TIMEOUT"`
	BodyLimit                string        `mapstructure:"BODY_LIMIT"`
	PatientFailurePolicy     string        `mapstructure:"PATIENT_FAILURE_POLICY"`
	ObservationFailurePolicy string        `mapstructure:"OBSERVATION_FAILURE_POLICY"`
	AttemptBufferSize        int           `mapstructure:"ATTEMPT_BUFFER_SIZE"`
	DatabaseURL              string        `mapstructure:"DATABASE_URL"`
	DBMaxConns               int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns               int32         `mapstructure:"DB_MIN_CONNS"`
}

var keys = []string{
	"PORT",
	"ENV",
	"LOG_LEVEL",
	"FHIR_BASE_URL",
	"INVOCATION_TIMEOUT",
	"BODY_LIMIT",
	"PATIENT_FAILURE_POLICY",
	"OBSERVATION_FAILURE_POLICY",
	"ATTEMPT_BUFFER_SIZE",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
}

// Load reads configuration from the environment and an optional .env file
// in the working directory. Environment variables win.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("FHIR_BASE_URL", "http://localhost:8080/fhir")
	v.SetDefault("INVOCATION_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("PATIENT_FAILURE_POLICY", "abort")
	v.SetDefault("OBSERVATION_FAILURE_POLICY", "report")
	v.SetDefault("ATTEMPT_BUFFER_SIZE", 1000)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// HasDatabase reports whether the Postgres attempt ledger is configured.
func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the gateway can start with this configuration.
func (c *Config) Validate() error {
	u, err := url.Parse(c.FHIRBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("FHIR_BASE_URL must be an absolute http(s) URL, got %q", c.FHIRBaseURL)
	}
	if c.InvocationTimeout <= 0 {
		return fmt.Errorf("INVOCATION_TIMEOUT must be positive, got %s", c.InvocationTimeout)
	}
	for name, val := range map[string]string{
		"PATIENT_FAILURE_POLICY":     c.PatientFailurePolicy,
		"OBSERVATION_FAILURE_POLICY": c.ObservationFailurePolicy,
	} {
		if val != "abort" && val != "report" {
			return fmt.Errorf("%s must be \"abort\" or \"report\", got %q", name, val)
		}
	}
	if c.HasDatabase() && c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
