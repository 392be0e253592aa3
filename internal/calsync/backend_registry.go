package calsync

import (
	"strings"
	"sync"
)

type CacheStoreFactory func(dsn string) (CacheStore, error)

var cacheFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]CacheStoreFactory
}{
	factories: map[string]CacheStoreFactory{},
}

// RegisterCacheStoreFactory adds or replaces the factory used for a DSN
// scheme. Registered schemes take precedence over the built-in ones.
func RegisterCacheStoreFactory(scheme string, factory CacheStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	cacheFactoryRegistry.mu.Lock()
	defer cacheFactoryRegistry.mu.Unlock()
	cacheFactoryRegistry.factories[scheme] = factory
}

func lookupCacheStoreFactory(scheme string) (CacheStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	cacheFactoryRegistry.mu.RLock()
	defer cacheFactoryRegistry.mu.RUnlock()
	factory, ok := cacheFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
