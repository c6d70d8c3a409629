package eventstore

import (
	"fmt"
	"math"
)

// Key prefixes for event records and indexes
const (
	prefixEvents    = "/data/events/"
	prefixTimeIndex = "/index/events/time/"
)

// EventKey returns the storage key for an event record. The id is the dedup
// key, so a single PutIfAbsent on this key gives exactly-once storage.
func EventKey(id string) []byte {
	return []byte(prefixEvents + id)
}

// TimeIndexKey returns the time-index key for an event.
// Format: /index/events/time/{%020d inverted-unixnano}/{id}
// Timestamps are inverted so forward iteration yields newest first.
func TimeIndexKey(unixNano int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefixTimeIndex, math.MaxInt64-unixNano, id))
}

// TimeIndexPrefix returns the scan prefix for the time index.
func TimeIndexPrefix() []byte {
	return []byte(prefixTimeIndex)
}
