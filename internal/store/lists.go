// Package store holds the persistent state the dispatcher mutates:
// sender/recipient lists and complaint journal in a bbolt file, query
// records and deferred deliveries in SQLite.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketBlock       = []byte("block")
	bucketWhite       = []byte("white")
	bucketTrap        = []byte("trap")
	bucketUnsubscribe = []byte("unsubscribe")
	bucketComplaints  = []byte("complaints")
)

// ListEntry is the stored value for every list bucket
type ListEntry struct {
	AddedAt   time.Time  `json:"added_at"`
	Source    string     `json:"source"` // which operator added it
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (e *ListEntry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// ListStore is the bbolt-backed block/white/trap/unsubscribe store
type ListStore struct {
	db *bolt.DB
}

// OpenLists opens (creating if needed) the list database
func OpenLists(path string) (*ListStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open list database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBlock, bucketWhite, bucketTrap, bucketUnsubscribe, bucketComplaints} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &ListStore{db: db}, nil
}

// Close closes the underlying database
func (s *ListStore) Close() error {
	return s.db.Close()
}

// PairKey builds the canonical sender/recipient key
func PairKey(sender, recipient string) string {
	return sender + "|" + recipient
}

// add inserts an entry unless a live one already exists.
// Returns false when the key was already present.
func (s *ListStore) add(bucket []byte, key string, entry ListEntry) (bool, error) {
	added := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if existing := b.Get([]byte(key)); existing != nil {
			var cur ListEntry
			if err := json.Unmarshal(existing, &cur); err == nil && !cur.expired(time.Now()) {
				return nil
			}
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		if err := b.Put([]byte(key), data); err != nil {
			return fmt.Errorf("failed to store entry: %w", err)
		}
		added = true
		return nil
	})
	return added, err
}

func (s *ListStore) has(bucket []byte, key string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		var entry ListEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("corrupt entry for %q: %w", key, err)
		}
		found = !entry.expired(time.Now())
		return nil
	})
	return found, err
}

func (s *ListStore) remove(bucket []byte, key string) (bool, error) {
	removed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(key)) == nil {
			return nil
		}
		if err := b.Delete([]byte(key)); err != nil {
			return err
		}
		removed = true
		return nil
	})
	return removed, err
}

// AddBlock adds a permanent block entry for a sender/recipient pair
func (s *ListStore) AddBlock(sender, recipient, source string) (bool, error) {
	return s.add(bucketBlock, PairKey(sender, recipient), ListEntry{AddedAt: time.Now(), Source: source})
}

// IsBlocked reports whether the pair has a live block entry
func (s *ListStore) IsBlocked(sender, recipient string) (bool, error) {
	return s.has(bucketBlock, PairKey(sender, recipient))
}

// RemoveBlock drops a block entry for the pair
func (s *ListStore) RemoveBlock(sender, recipient string) (bool, error) {
	return s.remove(bucketBlock, PairKey(sender, recipient))
}

// AddWhite adds a permanent allow entry for a sender/recipient pair
func (s *ListStore) AddWhite(sender, recipient, source string) (bool, error) {
	return s.add(bucketWhite, PairKey(sender, recipient), ListEntry{AddedAt: time.Now(), Source: source})
}

// AddTempWhite adds an allow entry that lapses after ttl. Used when a
// deferred message is released: the sender gets a grace period, not a
// permanent pass.
func (s *ListStore) AddTempWhite(sender, recipient, source string, ttl time.Duration) (bool, error) {
	expires := time.Now().Add(ttl)
	return s.add(bucketWhite, PairKey(sender, recipient), ListEntry{
		AddedAt:   time.Now(),
		Source:    source,
		ExpiresAt: &expires,
	})
}

// IsWhite reports whether the pair has a live allow entry
func (s *ListStore) IsWhite(sender, recipient string) (bool, error) {
	return s.has(bucketWhite, PairKey(sender, recipient))
}

// RemoveWhite drops any allow entry for the pair. A spam complaint
// revokes a previously granted authorization.
func (s *ListStore) RemoveWhite(sender, recipient string) (bool, error) {
	return s.remove(bucketWhite, PairKey(sender, recipient))
}

// AddTrap records a trap hit for a sender identifier
func (s *ListStore) AddTrap(identifier, source string) (bool, error) {
	return s.add(bucketTrap, identifier, ListEntry{AddedAt: time.Now(), Source: source})
}

// IsTrap reports whether the identifier is a known trap hit
func (s *ListStore) IsTrap(identifier string) (bool, error) {
	return s.has(bucketTrap, identifier)
}

// AddUnsubscribe puts an address on the do-not-contact registry
func (s *ListStore) AddUnsubscribe(addr string) (bool, error) {
	return s.add(bucketUnsubscribe, addr, ListEntry{AddedAt: time.Now(), Source: "unsubscribe"})
}

// IsUnsubscribed reports whether the address opted out
func (s *ListStore) IsUnsubscribed(addr string) (bool, error) {
	return s.has(bucketUnsubscribe, addr)
}

// AddComplaint journals a spam complaint against a sender/recipient
// pair. Returns false when the complaint was already recorded.
func (s *ListStore) AddComplaint(sender, recipient string) (bool, error) {
	return s.add(bucketComplaints, PairKey(sender, recipient), ListEntry{AddedAt: time.Now(), Source: "spam"})
}

// HasComplaint reports whether a complaint is on record for the pair
func (s *ListStore) HasComplaint(sender, recipient string) (bool, error) {
	return s.has(bucketComplaints, PairKey(sender, recipient))
}

// RemoveComplaint withdraws a complaint (the ham direction). Returns
// false when there was nothing to withdraw.
func (s *ListStore) RemoveComplaint(sender, recipient string) (bool, error) {
	return s.remove(bucketComplaints, PairKey(sender, recipient))
}
