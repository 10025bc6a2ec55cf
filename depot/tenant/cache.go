// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package tenant

import (
	"context"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
)

var mon = monkit.Package()

// cacheState holds one tenant's cached configuration. The once
// guarantees a single fetch no matter how many callers race on an
// uncached id.
type cacheState struct {
	once   sync.Once
	value  *Config
	loaded bool
}

// configCache caches tenant configurations until they are explicitly
// invalidated. Entries never expire by time: eviction happens on admin
// mutation or a pub/sub notification.
type configCache struct {
	mu   sync.Mutex
	data map[string]*cacheState
}

func newConfigCache() *configCache {
	return &configCache{data: make(map[string]*cacheState)}
}

// Get returns the cached value for the key if it exists. If not, it
// calls fn exactly once, no matter how many callers arrive concurrently.
// If fn returns an error, the entry is removed so that later calls
// retry.
func (cache *configCache) Get(ctx context.Context, key string, fn func() (*Config, error)) (value *Config, err error) {
	for {
		cache.mu.Lock()
		state, ok := cache.data[key]
		if !ok {
			state = &cacheState{}
			cache.data[key] = state
		}
		cache.mu.Unlock()

		called := false
		state.once.Do(func() {
			called = true
			value, err = fn()

			if err == nil {
				state.value = value
				state.loaded = true
			} else {
				// the once has been used. delete it so that any other
				// waiters will retry.
				cache.mu.Lock()
				if cache.data[key] == state {
					delete(cache.data, key)
				}
				cache.mu.Unlock()
			}
		})

		if called || state.loaded {
			cache.monitor(!called)
			return state.value, err
		}
	}
}

// Delete removes a key from the cache if it exists.
func (cache *configCache) Delete(key string) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	delete(cache.data, key)
}

func (cache *configCache) monitor(valueFromCache bool) {
	nameTag := monkit.NewSeriesTag("name", "tenant-config")
	if valueFromCache {
		mon.Event("cache_hit", nameTag)
	} else {
		mon.Event("cache_miss", nameTag)
	}
}
