// README: Client-side key-value store for convenience state keyed by canonical tenant id.
package widget

import (
	"context"
	"strings"
	"sync"
)

const (
	keyActiveOrder = "active_order"
	keyContact     = "contact"
)

// Prefs is never authoritative: values are re-validated against the API
// before use. Keys are "<tenant>:<name>".
type Prefs struct {
	mu     sync.Mutex
	values map[string]string
}

func NewPrefs() *Prefs {
	return &Prefs{values: map[string]string{}}
}

// PrefKey builds the storage key for name under a canonical tenant id.
func PrefKey(tenantID, name string) string {
	return tenantID + ":" + name
}

func (p *Prefs) Get(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[key]
	return v, ok
}

func (p *Prefs) Set(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}

func (p *Prefs) Delete(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.values, key)
}

// Purge drops every key stored under tenantKey. The tenant guard calls it
// when an identifier is rejected.
func (p *Prefs) Purge(_ context.Context, tenantKey string) error {
	prefix := tenantKey + ":"
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.values {
		if strings.HasPrefix(k, prefix) {
			delete(p.values, k)
		}
	}
	return nil
}

func (p *Prefs) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.values)
}
