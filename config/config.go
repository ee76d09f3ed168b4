// Package config loads the connectivity-layer configuration tree from YAML
// with environment-variable overrides for credentials. Endpoint defaults live
// in the adapters themselves; configuration only carries overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openalgo/exio/internal/exchange"
	"github.com/openalgo/exio/internal/schema"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// EndpointSettings overrides adapter endpoint defaults. Empty fields keep the
// adapter's built-in endpoints.
type EndpointSettings struct {
	RESTSpot    string `yaml:"restSpot"`
	RESTFutures string `yaml:"restFutures"`
	WSSpot      string `yaml:"wsSpot"`
	WSFutures   string `yaml:"wsFutures"`
	WSUser      string `yaml:"wsUser"`
}

// ExchangeSettings configures one venue adapter. SecretKeyFile, when set,
// loads the secret from disk; Advanced Trade EC private keys usually live in
// a file rather than inline YAML.
type ExchangeSettings struct {
	APIKey        string           `yaml:"apiKey"`
	SecretKey     string           `yaml:"secretKey"`
	SecretKeyFile string           `yaml:"secretKeyFile"`
	Passphrase    string           `yaml:"passphrase"`
	Sandbox       bool             `yaml:"sandbox"`
	Markets       []string         `yaml:"markets"`
	Endpoints     EndpointSettings `yaml:"endpoints"`
	EventBuffer   int              `yaml:"eventBuffer"`
}

// LoggingSettings configures the process logger.
type LoggingSettings struct {
	Level string `yaml:"level"`
}

// Settings is the configuration tree sourced from YAML.
type Settings struct {
	Environment Environment                 `yaml:"environment"`
	Logging     LoggingSettings             `yaml:"logging"`
	Exchanges   map[string]ExchangeSettings `yaml:"exchanges"`
}

// Default returns the default configuration: production environment, info
// logging, no exchanges configured.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Logging:     LoggingSettings{Level: "info"},
		Exchanges:   map[string]ExchangeSettings{},
	}
}

// Load reads and validates Settings from a YAML file, then applies
// environment overrides.
func Load(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return Settings{}, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadOrDefault loads Settings from path, falling back to defaults (plus
// environment overrides) when the file does not exist. The boolean reports
// whether a file was read.
func LoadOrDefault(path string) (Settings, bool, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		cfg.applyEnv()
		return cfg, false, nil
	}
	return Settings{}, false, err
}

func (s *Settings) normalise() error {
	s.Environment = Environment(strings.ToLower(strings.TrimSpace(string(s.Environment))))
	if s.Environment == "" {
		s.Environment = EnvProd
	}
	normalised := make(map[string]ExchangeSettings, len(s.Exchanges))
	for name, settings := range s.Exchanges {
		key := strings.ToLower(strings.TrimSpace(name))
		if _, exists := normalised[key]; exists {
			return fmt.Errorf("duplicate exchange name %q", key)
		}
		for _, market := range settings.Markets {
			switch schema.MarketType(strings.ToLower(strings.TrimSpace(market))) {
			case schema.MarketSpot, schema.MarketFutures:
			default:
				return fmt.Errorf("exchange %q: unknown market %q", key, market)
			}
		}
		normalised[key] = settings
	}
	s.Exchanges = normalised
	return nil
}

// applyEnv overlays credentials from <EXCHANGE>_API_KEY, <EXCHANGE>_API_SECRET
// and <EXCHANGE>_API_PASSPHRASE so secrets can stay out of the YAML file.
func (s *Settings) applyEnv() {
	if env := strings.TrimSpace(os.Getenv("EXIO_ENV")); env != "" {
		s.Environment = Environment(strings.ToLower(env))
	}
	for name, settings := range s.Exchanges {
		prefix := strings.ToUpper(name)
		if v := strings.TrimSpace(os.Getenv(prefix + "_API_KEY")); v != "" {
			settings.APIKey = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "_API_SECRET")); v != "" {
			settings.SecretKey = v
		}
		if v := strings.TrimSpace(os.Getenv(prefix + "_API_PASSPHRASE")); v != "" {
			settings.Passphrase = v
		}
		s.Exchanges[name] = settings
	}
}

// Names returns the configured exchange names, sorted.
func (s Settings) Names() []string {
	out := make([]string, 0, len(s.Exchanges))
	for name := range s.Exchanges {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ExchangeConfig resolves one venue's settings into the adapter constructor
// form, reading SecretKeyFile when set.
func (s Settings) ExchangeConfig(name string) (exchange.Config, error) {
	settings, ok := s.Exchanges[name]
	if !ok {
		return exchange.Config{}, fmt.Errorf("exchange %q not configured", name)
	}
	secret := settings.SecretKey
	if settings.SecretKeyFile != "" {
		raw, err := os.ReadFile(settings.SecretKeyFile)
		if err != nil {
			return exchange.Config{}, fmt.Errorf("read secret key file: %w", err)
		}
		secret = strings.TrimSpace(string(raw))
	}
	markets := make([]schema.MarketType, 0, len(settings.Markets))
	for _, market := range settings.Markets {
		markets = append(markets, schema.MarketType(strings.ToLower(strings.TrimSpace(market))))
	}
	return exchange.Config{
		Credentials: exchange.Credentials{
			APIKey:     settings.APIKey,
			SecretKey:  secret,
			Passphrase: settings.Passphrase,
			Sandbox:    settings.Sandbox,
		},
		Markets: markets,
		Endpoints: exchange.EndpointOverrides{
			RESTSpot:    settings.Endpoints.RESTSpot,
			RESTFutures: settings.Endpoints.RESTFutures,
			WSSpot:      settings.Endpoints.WSSpot,
			WSFutures:   settings.Endpoints.WSFutures,
			WSUser:      settings.Endpoints.WSUser,
		},
		EventBuffer: settings.EventBuffer,
	}, nil
}
