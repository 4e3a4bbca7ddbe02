package binance

import (
	"context"
	"sync"
	"time"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/exchange"
	"futures-trading-platform/internal/secrets"
)

// ConnectionSource resolves a user's stored exchange connections.
type ConnectionSource interface {
	ListConnections(ctx context.Context, userID domain.ID) ([]*domain.ExchangeConnection, error)
}

// Provider builds and caches per-user venue clients from encrypted
// connection credentials. Credentials are decrypted only here, at client
// construction time.
type Provider struct {
	repo  ConnectionSource
	box   *secrets.Box
	venue string

	mu      sync.Mutex
	clients map[domain.ID]cachedClient
}

type cachedClient struct {
	client *Client
	connID domain.ID
	stamp  time.Time // connection UpdatedAt, for rotation detection
}

func NewProvider(repo ConnectionSource, box *secrets.Box, venue string) *Provider {
	return &Provider{
		repo:    repo,
		box:     box,
		venue:   venue,
		clients: make(map[domain.ID]cachedClient),
	}
}

// ClientFor returns the venue client for the user's active trading
// connection, rebuilding it when the connection was rotated.
func (p *Provider) ClientFor(ctx context.Context, userID domain.ID) (exchange.Client, error) {
	conn, err := p.activeConnection(ctx, userID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	cached, ok := p.clients[userID]
	p.mu.Unlock()
	if ok && cached.connID == conn.ID && cached.stamp.Equal(conn.UpdatedAt) {
		return cached.client, nil
	}

	apiKey, err := p.box.Open(conn.APIKeyEncrypted)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "decrypt api key")
	}
	secretKey, err := p.box.Open(conn.SecretKeyEncrypted)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "decrypt secret key")
	}

	client := NewClient(string(apiKey), string(secretKey), conn.Env == domain.EnvTestnet)
	p.mu.Lock()
	p.clients[userID] = cachedClient{client: client, connID: conn.ID, stamp: conn.UpdatedAt}
	p.mu.Unlock()
	return client, nil
}

// UserStreamFor builds a user-data stream bound to the user's active
// trading connection.
func (p *Provider) UserStreamFor(ctx context.Context, userID domain.ID) (exchange.UserStream, error) {
	if _, err := p.ClientFor(ctx, userID); err != nil {
		return nil, err
	}
	p.mu.Lock()
	cached := p.clients[userID]
	p.mu.Unlock()
	return NewUserStream(cached.client), nil
}

// Invalidate drops the cached client, e.g. after a connection is deleted.
func (p *Provider) Invalidate(userID domain.ID) {
	p.mu.Lock()
	delete(p.clients, userID)
	p.mu.Unlock()
}

func (p *Provider) activeConnection(ctx context.Context, userID domain.ID) (*domain.ExchangeConnection, error) {
	conns, err := p.repo.ListConnections(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, c := range conns {
		if c.Venue == p.venue && c.Status == domain.ConnectionActive && c.CanTrade {
			return c, nil
		}
	}
	return nil, errs.E(errs.PreflightFailed, "no active trading connection for %s", p.venue)
}
