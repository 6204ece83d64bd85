package chain

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mbd888/milestonepay/internal/circuitbreaker"
)

// Registry holds one Reader per configured network. Readers share a single
// circuit breaker keyed by network name.
type Registry struct {
	mu       sync.RWMutex
	readers  map[string]*Reader
	fallback string
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. defaultNetwork is used when callers
// do not name a network.
func NewRegistry(defaultNetwork string, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Registry {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		readers:  make(map[string]*Reader),
		fallback: defaultNetwork,
		breaker:  breaker,
		logger:   logger,
	}
}

// Add constructs and registers a reader for cfg.Network.
func (g *Registry) Add(cfg Config, opts ...Option) (*Reader, error) {
	opts = append([]Option{WithBreaker(g.breaker), WithLogger(g.logger.With("network", cfg.Network))}, opts...)
	r, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.readers[cfg.Network] = r
	g.mu.Unlock()
	return r, nil
}

// Get returns the reader for network, or the default network's reader when
// network is empty.
func (g *Registry) Get(network string) (*Reader, error) {
	if network == "" {
		network = g.fallback
	}
	g.mu.RLock()
	r, ok := g.readers[network]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNetworkNotConfigured, network)
	}
	return r, nil
}

// Default returns the default network name.
func (g *Registry) Default() string { return g.fallback }

// Networks returns the registered network names, sorted.
func (g *Registry) Networks() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.readers))
	for n := range g.readers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Breaker exposes the shared breaker for health reporting.
func (g *Registry) Breaker() *circuitbreaker.Breaker { return g.breaker }

// Close closes every reader.
func (g *Registry) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.readers {
		r.Close()
	}
}
