package config

import "time"

// CatalogCacheConfig controls the Redis cache in front of the event
// service.  When Enabled is false or no Redis client is configured, every
// lookup goes to the event service.
type CatalogCacheConfig struct {
	Enabled bool
	TTL     time.Duration
	Prefix  string
}

func LoadCatalogCacheConfig() CatalogCacheConfig {
	c := CatalogCacheConfig{
		Enabled: envBool("CATALOG_CACHE_ENABLED", true),
		TTL:     envDur("CATALOG_CACHE_TTL", 30*time.Second),
		Prefix:  envStr("CATALOG_CACHE_PREFIX", "catalog"),
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	return c
}
