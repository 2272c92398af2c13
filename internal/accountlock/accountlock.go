// Package accountlock serializes ledger mutations per account, in process or across replicas via Redis.
package accountlock

import (
	"context"
	"errors"
	"sync"

	"github.com/MarkoPoloResearchLab/photovault/pkg/ledger"
)

var ErrInvalidConfig = errors.New("invalid account lock config")

var (
	_ ledger.Locker = (*Local)(nil)
	_ ledger.Locker = (*Redis)(nil)
)

// Local is an in-process keyed mutex. Idle keys are dropped.
type Local struct {
	mutex   sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	slot    chan struct{}
	holders int
}

// NewLocal returns an empty Local locker.
func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

// Lock blocks until key is free or ctx ends.
func (local *Local) Lock(ctx context.Context, key string) (func(), error) {
	local.mutex.Lock()
	entry, ok := local.entries[key]
	if !ok {
		entry = &localEntry{slot: make(chan struct{}, 1)}
		local.entries[key] = entry
	}
	entry.holders++
	local.mutex.Unlock()

	select {
	case entry.slot <- struct{}{}:
	case <-ctx.Done():
		local.release(key, entry)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.slot
			local.release(key, entry)
		})
	}, nil
}

func (local *Local) release(key string, entry *localEntry) {
	local.mutex.Lock()
	defer local.mutex.Unlock()
	entry.holders--
	if entry.holders == 0 {
		delete(local.entries, key)
	}
}

func (local *Local) size() int {
	local.mutex.Lock()
	defer local.mutex.Unlock()
	return len(local.entries)
}
