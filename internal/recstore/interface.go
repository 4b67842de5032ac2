// Package recstore keeps a local, queryable copy of confirmed mutable
// items, keyed by infohash.
package recstore

// MutableData is one confirmed DHT item.
type MutableData struct {
	InfoHash  string `json:"infoHash"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	Sequence  int64  `json:"sequence"`
	Salt      string `json:"salt"`
	Value     []byte `json:"value"`
}

// Store is the record cache interface.
type Store interface {
	// Add inserts a new item; it fails if the infohash already exists.
	Add(data MutableData) error

	// Update overwrites an existing item; it fails if the infohash is
	// unknown.
	Update(data MutableData) error

	// Put inserts or overwrites an item.
	Put(data MutableData) error

	// Read returns the item for an infohash, reporting whether it
	// exists.
	Read(infoHash string) (MutableData, bool, error)

	// Erase removes the item for an infohash.
	Erase(infoHash string) error

	// List returns every cached item.
	List() ([]MutableData, error)

	// Close closes the store.
	Close() error
}
