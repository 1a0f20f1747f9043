// Package cachestore provides a small get/set/purge cache abstraction used
// for read-mostly shared values (disk capacity, active-user counts, fetched
// blocklists), with in-process and redis-backed implementations.
package cachestore

import (
	"context"
)

type CacheStore interface {
	Get(ctx context.Context, name, key string) (string, error)
	Set(ctx context.Context, name, key string, val string) error
	Purge(ctx context.Context, name, key string) error
}
