package recstore

import (
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	bolt "go.etcd.io/bbolt"
)

var recordsBucket = []byte("records")

// cacheSize bounds the in-memory read-through front.
const cacheSize = 512

// BoltStore implements Store on BoltDB with an LRU read-through cache.
type BoltStore struct {
	db    *bolt.DB
	cache *lru.Cache[string, MutableData]
}

// NewBoltStore opens (or creates) the record cache at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	cache, err := lru.New[string, MutableData](cacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, cache: cache}, nil
}

// Add inserts a new item; it fails if the infohash already exists.
func (bs *BoltStore) Add(data MutableData) error {
	err := bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		if b.Get([]byte(data.InfoHash)) != nil {
			return fmt.Errorf("record already exists: %s", data.InfoHash)
		}
		encoded, err := json.Marshal(data)
		if err != nil {
			return err
		}
		return b.Put([]byte(data.InfoHash), encoded)
	})
	if err != nil {
		return err
	}
	bs.cache.Add(data.InfoHash, data)
	return nil
}

// Update overwrites an existing item; it fails if the infohash is
// unknown.
func (bs *BoltStore) Update(data MutableData) error {
	err := bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		if b.Get([]byte(data.InfoHash)) == nil {
			return fmt.Errorf("record not found: %s", data.InfoHash)
		}
		encoded, err := json.Marshal(data)
		if err != nil {
			return err
		}
		return b.Put([]byte(data.InfoHash), encoded)
	})
	if err != nil {
		return err
	}
	bs.cache.Add(data.InfoHash, data)
	return nil
}

// Put inserts or overwrites an item.
func (bs *BoltStore) Put(data MutableData) error {
	err := bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		encoded, err := json.Marshal(data)
		if err != nil {
			return err
		}
		return b.Put([]byte(data.InfoHash), encoded)
	})
	if err != nil {
		return err
	}
	bs.cache.Add(data.InfoHash, data)
	return nil
}

// Read returns the item for an infohash, serving from the LRU front
// when possible.
func (bs *BoltStore) Read(infoHash string) (MutableData, bool, error) {
	if data, ok := bs.cache.Get(infoHash); ok {
		return data, true, nil
	}

	var (
		data  MutableData
		found bool
	)
	err := bs.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(recordsBucket).Get([]byte(infoHash))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &data)
	})
	if err != nil {
		return MutableData{}, false, err
	}
	if found {
		bs.cache.Add(infoHash, data)
	}
	return data, found, nil
}

// Erase removes the item for an infohash.
func (bs *BoltStore) Erase(infoHash string) error {
	err := bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(infoHash))
	})
	if err != nil {
		return err
	}
	bs.cache.Remove(infoHash)
	return nil
}

// List returns every cached item.
func (bs *BoltStore) List() ([]MutableData, error) {
	var records []MutableData
	err := bs.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(_, raw []byte) error {
			var data MutableData
			if err := json.Unmarshal(raw, &data); err != nil {
				return err
			}
			records = append(records, data)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close closes the store.
func (bs *BoltStore) Close() error {
	return bs.db.Close()
}
