// Package config loads table-set definitions, the database location and the declared tables.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/umputun/webstorage/pkg/store"
)

//go:generate moq -out mocks/secrets.go -pkg mocks -skip-ensure -fmt goimports . SecretsProvider:SecretProvider

// Config defines the top-level config object
type Config struct {
	Database Database       `yaml:"database" toml:"database"` // database location
	Tables   []store.Schema `yaml:"tables" toml:"tables"`     // declared tables, in creation order

	secrets         map[string]string // all secrets referenced by the config
	secretsProvider SecretsProvider
}

// Database defines driver and connection string
type Database struct {
	Driver string `yaml:"driver" toml:"driver"` // database/sql driver name, guessed from dsn if empty
	DSN    string `yaml:"dsn" toml:"dsn"`       // connection string, may contain ${secret:NAME} placeholders
}

// SecretsProvider defines interface for secrets providers
type SecretsProvider interface {
	Get(ctx context.Context, key string) (string, error)
}

// Overrides defines values passed from cli, they take precedence over the config file
type Overrides struct {
	Driver string
	DSN    string
}

var secretRe = regexp.MustCompile(`\$\{secret:([^}]+)}`)

// New loads config from file or http(s) url. With no file at the location and dsn set in overrides,
// a config without tables is returned. Secrets referenced by dsn are resolved with secProvider.
func New(ctx context.Context, loc string, overrides *Overrides, secProvider SecretsProvider) (*Config, error) {
	log.Printf("[DEBUG] request to load config %q", loc)
	res := &Config{secretsProvider: secProvider, secrets: map[string]string{}}

	data, err := readConfig(ctx, loc)
	if err != nil {
		if overrides == nil || overrides.DSN == "" {
			return nil, err
		}
		log.Printf("[DEBUG] no config loaded from %q, %v", loc, err)
	}

	if data != nil {
		if err = unmarshalConfig(loc, data, res); err != nil {
			return nil, fmt.Errorf("can't unmarshal config: %w", err)
		}
		if err = res.checkConfig(); err != nil {
			return nil, fmt.Errorf("config %s is invalid: %w", loc, err)
		}
	}

	if overrides != nil {
		if overrides.Driver != "" {
			res.Database.Driver = overrides.Driver
		}
		if overrides.DSN != "" {
			res.Database.DSN = overrides.DSN
		}
	}

	if err = res.loadSecrets(ctx); err != nil {
		return nil, err
	}
	log.Printf("[INFO] config loaded with %d tables", len(res.Tables))
	return res, nil
}

// Table returns schema of the named table
func (c *Config) Table(name string) (store.Schema, error) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, nil
		}
	}
	return store.Schema{}, fmt.Errorf("table %q not found in config", name)
}

// TableNames returns names of all declared tables in declaration order
func (c *Config) TableNames() []string {
	res := make([]string, 0, len(c.Tables))
	for _, t := range c.Tables {
		res = append(res, t.Name)
	}
	return res
}

// DSN returns connection string with all secret placeholders replaced by their values
func (c *Config) DSN() string {
	return secretRe.ReplaceAllStringFunc(c.Database.DSN, func(s string) string {
		key := secretRe.FindStringSubmatch(s)[1]
		return c.secrets[key]
	})
}

// AllSecretValues returns values of all secrets used by the config, to be masked in logs
func (c *Config) AllSecretValues() []string {
	res := make([]string, 0, len(c.secrets))
	for _, v := range c.secrets {
		res = append(res, v)
	}
	return res
}

// readConfig gets config content from url or file
func readConfig(ctx context.Context, loc string) ([]byte, error) {
	var rdr io.ReadCloser
	switch {
	case strings.HasPrefix(loc, "http://"), strings.HasPrefix(loc, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, http.NoBody)
		if err != nil {
			return nil, fmt.Errorf("can't make request for %s: %w", loc, err)
		}
		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("can't get config from http %s: %w", loc, err)
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("can't get config from http %s, status: %s", loc, resp.Status)
		}
		rdr = resp.Body
	default:
		f, err := os.Open(loc) // nolint
		if err != nil {
			return nil, fmt.Errorf("can't open config file %s: %w", loc, err)
		}
		rdr = f
	}
	defer rdr.Close() // nolint

	data, err := io.ReadAll(rdr)
	if err != nil {
		return nil, fmt.Errorf("can't read config %s: %w", loc, err)
	}
	return data, nil
}

// unmarshalConfig parses config by location's extension, yaml is assumed for anything but toml.
// Both formats are strict, unknown fields rejected.
func unmarshalConfig(loc string, data []byte, res *Config) error {
	if strings.HasSuffix(loc, ".toml") {
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(res); err != nil {
			return fmt.Errorf("can't unmarshal toml config %s: %w", loc, err)
		}
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // strict mode, fail on unknown fields
	if err := dec.Decode(res); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("can't unmarshal yaml config %s: %w", loc, err)
	}
	return nil
}

// checkConfig validates all tables and rejects duplicate names, reporting all problems together
func (c *Config) checkConfig() error {
	errs := new(multierror.Error)
	names := map[string]bool{}
	for i, t := range c.Tables {
		if err := t.Validate(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("table #%d: %w", i, err))
			continue
		}
		if names[strings.ToLower(t.Name)] {
			errs = multierror.Append(errs, fmt.Errorf("duplicate table name %q", t.Name))
			continue
		}
		names[strings.ToLower(t.Name)] = true
	}
	if c.Database.Driver != "" {
		if _, err := store.DialectFor(c.Database.Driver); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// loadSecrets retrieves all secrets referenced by dsn
func (c *Config) loadSecrets(ctx context.Context) error {
	matches := secretRe.FindAllStringSubmatch(c.Database.DSN, -1)
	if len(matches) == 0 {
		return nil
	}
	if c.secretsProvider == nil {
		return fmt.Errorf("secrets are used in dsn (%d secrets), but provider is not set", len(matches))
	}
	for _, m := range matches {
		key := m[1]
		if _, ok := c.secrets[key]; ok {
			continue
		}
		val, err := c.secretsProvider.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("can't get secret %q used in dsn: %w", key, err)
		}
		c.secrets[key] = val
	}
	return nil
}
