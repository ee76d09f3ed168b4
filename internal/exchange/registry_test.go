package exchange

import (
	"testing"

	"github.com/openalgo/exio/internal/schema"
)

type stubExchange struct {
	Exchange
	name string
}

func (s *stubExchange) Name() string { return s.name }

func TestRegistryConstructsRegisteredAdapter(t *testing.T) {
	Register("stubvenue", func(cfg Config) (Exchange, error) {
		return &stubExchange{name: "stubvenue"}, nil
	})

	ex, err := New("stubvenue", Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ex.Name() != "stubvenue" {
		t.Fatalf("Name = %q, want stubvenue", ex.Name())
	}
}

func TestRegistryRejectsUnknownExchange(t *testing.T) {
	if _, err := New("no-such-venue", Config{}); err == nil {
		t.Fatal("New succeeded for unknown exchange")
	}
}

func TestRegisterPanicsOnDuplicate(t *testing.T) {
	Register("dupvenue", func(Config) (Exchange, error) { return nil, nil })
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate Register did not panic")
		}
	}()
	Register("dupvenue", func(Config) (Exchange, error) { return nil, nil })
}

func TestConfigHasMarketDefaultsToSpot(t *testing.T) {
	var cfg Config
	if !cfg.HasMarket(schema.MarketSpot) {
		t.Fatal("empty market list should enable spot")
	}
	if cfg.HasMarket(schema.MarketFutures) {
		t.Fatal("empty market list should not enable futures")
	}

	cfg.Markets = []schema.MarketType{schema.MarketFutures}
	if cfg.HasMarket(schema.MarketSpot) {
		t.Fatal("explicit futures-only config should not enable spot")
	}
	if !cfg.HasMarket(schema.MarketFutures) {
		t.Fatal("explicit futures config should enable futures")
	}
}
