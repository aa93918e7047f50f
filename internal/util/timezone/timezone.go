package timezone

import (
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	mu              sync.RWMutex
	currentLocation *time.Location
)

// Initialize sets the zone used for face timestamps. An empty name falls back
// to the TZ environment variable, then UTC.
func Initialize(name string) {
	if name == "" {
		name = os.Getenv("TZ")
	}
	if name == "" {
		name = "UTC"
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warnf("Failed to load timezone %s: %v. Falling back to UTC.", name, err)
		loc = time.UTC
	} else {
		log.Debugf("Timezone initialized to %s", name)
	}

	mu.Lock()
	currentLocation = loc
	mu.Unlock()
}

// Location returns the configured zone.
func Location() *time.Location {
	mu.RLock()
	loc := currentLocation
	mu.RUnlock()
	if loc == nil {
		Initialize("")
		mu.RLock()
		loc = currentLocation
		mu.RUnlock()
	}
	return loc
}

// Now returns the current time in the configured zone.
func Now() time.Time {
	return time.Now().In(Location())
}

// ISO8601 formats t as RFC 3339 in the configured zone, e.g. 2025-07-14T10:36:51Z.
func ISO8601(t time.Time) string {
	return t.In(Location()).Format(time.RFC3339)
}

// FileSafe turns an ISO-8601 timestamp into a string usable in file names.
func FileSafe(ts string) string {
	return strings.ReplaceAll(ts, ":", "-")
}
