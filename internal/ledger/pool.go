package ledger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DialFunc creates a client for the named chain.
type DialFunc func(ctx context.Context, chain string) (Client, error)

// Pool owns one lazily-dialed client per chain, cached for the process
// lifetime. Failed health checks evict the cached client so the next request
// re-dials instead of reusing a dead connection.
type Pool struct {
	dial DialFunc
	log  *zap.Logger

	mu      sync.Mutex
	clients map[string]Client
}

func NewPool(dial DialFunc, log *zap.Logger) *Pool {
	return &Pool{
		dial:    dial,
		log:     log,
		clients: make(map[string]Client),
	}
}

// Get returns the cached client for the chain, dialing on first use.
func (p *Pool) Get(ctx context.Context, chain string) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[chain]; ok {
		return client, nil
	}

	client, err := p.dial(ctx, chain)
	if err != nil {
		return nil, fmt.Errorf("dial chain %s: %w", chain, err)
	}
	p.clients[chain] = client
	p.log.Info("ledger client connected", zap.String("chain", chain))
	return client, nil
}

// Evict drops the cached client for the chain, closing it.
func (p *Pool) Evict(chain string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[chain]; ok {
		client.Close()
		delete(p.clients, chain)
	}
}

// HealthCheck pings every cached client and evicts the ones that fail, so
// in-flight requests on other chains are unaffected. Returns the ping error
// per chain.
func (p *Pool) HealthCheck(ctx context.Context) map[string]error {
	p.mu.Lock()
	clients := make(map[string]Client, len(p.clients))
	for chain, client := range p.clients {
		clients[chain] = client
	}
	p.mu.Unlock()

	results := make(map[string]error, len(clients))
	for chain, client := range clients {
		err := client.Ping(ctx)
		results[chain] = err
		if err != nil {
			p.log.Warn("ledger client failed health check, evicting",
				zap.String("chain", chain), zap.Error(err))
			p.Evict(chain)
		}
	}
	return results
}

// Close tears down every cached client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for chain, client := range p.clients {
		client.Close()
		delete(p.clients, chain)
	}
}
