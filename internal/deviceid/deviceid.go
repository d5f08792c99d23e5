// Package deviceid provides the stable identifier of this installation.
package deviceid

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/marcus/tandem/internal/db"
)

// Key is the kv_store key holding the device id.
const Key = "device_id"

// Provider returns the device id, generating and persisting it on first use.
type Provider struct {
	db *db.DB

	mu sync.Mutex
	id string
}

// New returns a Provider backed by database.
func New(database *db.DB) *Provider {
	return &Provider{db: database}
}

// DeviceID returns the persisted device id. The first call in a process reads
// kv_store and, when empty, stores a new UUIDv7; later calls hit the memo.
func (p *Provider) DeviceID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.id != "" {
		return p.id, nil
	}

	id, ok, err := p.db.GetValue(ctx, Key)
	if err != nil {
		return "", fmt.Errorf("load device id: %w", err)
	}
	if !ok || id == "" {
		fresh, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate device id: %w", err)
		}
		// another process may have won the race; keep whatever is stored
		id, err = p.db.SetValueIfAbsent(ctx, Key, fresh.String())
		if err != nil {
			return "", fmt.Errorf("persist device id: %w", err)
		}
	}

	p.id = id
	return id, nil
}
