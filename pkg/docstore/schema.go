package docstore

import "fmt"

// Key prefixes for different data types
const (
	prefixDocs      = "/data/docs/"
	prefixDeletions = "/data/deletions/"
)

// DocumentKey returns the key for a document.
// Format: /data/docs/{collection}/{id}
func DocumentKey(collection, id string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", prefixDocs, collection, id))
}

// CollectionKeyPrefix returns the scan prefix for a collection.
func CollectionKeyPrefix(collection string) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixDocs, collection))
}

// DeletionKey returns the key for a deletion-log entry.
// Format: /data/deletions/{collection}/{unixnano}/{id}
// The zero-padded timestamp gives chronological iteration order.
func DeletionKey(collection string, unixNano int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", prefixDeletions, collection, unixNano, id))
}

// DeletionKeyPrefix returns the scan prefix for a collection's deletion log.
func DeletionKeyPrefix(collection string) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixDeletions, collection))
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, for use as an iterator upper bound.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
