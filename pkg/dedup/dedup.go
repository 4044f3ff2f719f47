// Package dedup suppresses QoS 1 redeliveries: the broker may hand the same
// message to a resubscribing client more than once, and an actuator command
// must not run twice because of it.
package dedup

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type Deduper struct {
	seen *gocache.Cache
}

// New builds a deduper that remembers message ids for ttl. Expired entries
// are garbage-collected in the background.
func New(ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Deduper{seen: gocache.New(ttl, ttl)}
}

// FirstSeen reports whether id has not been seen within the ttl, recording
// it as seen. An empty id is never deduplicated.
func (d *Deduper) FirstSeen(id string) bool {
	if id == "" {
		return true
	}
	// Add fails when the key already exists and is unexpired.
	return d.seen.Add(id, struct{}{}, gocache.DefaultExpiration) == nil
}
