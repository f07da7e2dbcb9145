package ratelimit

import "sync"

// Pool keeps one Gateway per account for the life of the process. A client
// rebuilt after new credentials keeps using its account's window.
type Pool struct {
	cfg  Config
	opts []Option

	mu       sync.Mutex
	gateways map[string]*Gateway
}

func NewPool(cfg Config, opts ...Option) *Pool {
	return &Pool{cfg: cfg, opts: opts, gateways: make(map[string]*Gateway)}
}

// For returns the account's gateway, creating it on first use.
func (p *Pool) For(accountID string) *Gateway {
	p.mu.Lock()
	defer p.mu.Unlock()
	gw, ok := p.gateways[accountID]
	if !ok {
		gw = New(p.cfg, p.opts...)
		p.gateways[accountID] = gw
	}
	return gw
}
