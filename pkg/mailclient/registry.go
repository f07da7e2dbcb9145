package mailclient

import (
	"context"
	"log"
	"sync"
	"time"
)

// Factory builds the client of one account.
type Factory func(accountID string) *Client

type registryEntry struct {
	client   *Client
	lastUsed time.Time
}

// Registry owns one Client per account. Clients are created on first use
// and dropped on Evict or after sitting idle for longer than the TTL.
type Registry struct {
	factory Factory
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	clients map[string]*registryEntry
}

func NewRegistry(factory Factory, idleTTL time.Duration) *Registry {
	return &Registry{
		factory: factory,
		idleTTL: idleTTL,
		now:     time.Now,
		clients: make(map[string]*registryEntry),
	}
}

// Get returns the account's client, creating it if needed.
func (r *Registry) Get(accountID string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.clients[accountID]
	if !ok {
		e = &registryEntry{client: r.factory(accountID)}
		r.clients[accountID] = e
	}
	e.lastUsed = r.now()
	return e.client
}

// Evict drops the account's client, e.g. after its credential was replaced
// or revoked.
func (r *Registry) Evict(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, accountID)
}

// NotifyReauthRequired drops the client of a revoked account.
func (r *Registry) NotifyReauthRequired(ctx context.Context, accountID string) error {
	r.Evict(accountID)
	return nil
}

// Sweep removes clients idle for longer than the TTL and returns how many
// were removed.
func (r *Registry) Sweep() int {
	if r.idleTTL <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.idleTTL)
	removed := 0
	for id, e := range r.clients {
		if e.lastUsed.Before(cutoff) {
			delete(r.clients, id)
			removed++
		}
	}
	return removed
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Run sweeps idle clients until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	if r.idleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(r.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				log.Printf("[MailClient] Dropped %d idle clients", n)
			}
		}
	}
}
