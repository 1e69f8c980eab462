// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"sync"

	"github.com/plexguide/huntarr/internal/domain"
	"github.com/plexguide/huntarr/internal/models"
)

type poolKey struct {
	app      domain.BaseApp
	instance string
}

type pooledClient struct {
	url    string
	apiKey string
	client *Client
}

// ClientPool keeps one client per configured instance so breaker and limiter
// state survive across passes. A client is rebuilt when its URL or key change.
type ClientPool struct {
	mu      sync.Mutex
	clients map[poolKey]*pooledClient
	opts    ClientOptions
}

func NewClientPool(opts ClientOptions) *ClientPool {
	return &ClientPool{
		clients: make(map[poolKey]*pooledClient),
		opts:    opts.withDefaults(),
	}
}

// Client returns the client for instance, creating it on first use.
func (p *ClientPool) Client(app domain.BaseApp, apiVersion string, instance models.ArrInstance) *Client {
	key := poolKey{app: app, instance: instance.Name}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.clients[key]; ok && existing.url == instance.URL && existing.apiKey == instance.APIKey {
		return existing.client
	}

	client := NewClient(app.String()+"/"+instance.Name, instance.URL, instance.APIKey, apiVersion, p.opts)
	p.clients[key] = &pooledClient{url: instance.URL, apiKey: instance.APIKey, client: client}
	return client
}

// Len returns the number of pooled clients.
func (p *ClientPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}
