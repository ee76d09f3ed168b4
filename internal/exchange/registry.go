package exchange

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openalgo/exio/internal/schema"
)

// EndpointOverrides replaces venue-default URLs, mainly for tests and
// self-hosted gateways. Empty fields keep the defaults (which already account
// for Credentials.Sandbox).
type EndpointOverrides struct {
	RESTSpot    string
	RESTFutures string
	WSSpot      string
	WSFutures   string
	WSUser      string
}

// Config is the adapter construction input shared by all venues.
type Config struct {
	Credentials Credentials
	// Markets selects which market types the adapter serves; empty means
	// spot only.
	Markets   []schema.MarketType
	Endpoints EndpointOverrides
	// EventBuffer sizes the Events channel; zero means the adapter default.
	EventBuffer int
}

// HasMarket reports whether the config enables the given market type.
func (c Config) HasMarket(m schema.MarketType) bool {
	if len(c.Markets) == 0 {
		return m == schema.MarketSpot
	}
	for _, market := range c.Markets {
		if market == m {
			return true
		}
	}
	return false
}

// Factory builds an adapter from config.
type Factory func(cfg Config) (Exchange, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a factory under the given exchange name. Adapters call it
// from init; registering the same name twice panics.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("exchange: factory %q registered twice", name))
	}
	registry[name] = factory
}

// New constructs the named adapter.
func New(name string, cfg Config) (Exchange, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("exchange: unknown exchange %q (registered: %v)", name, Registered())
	}
	return factory(cfg)
}

// Registered lists the registered exchange names, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
