package cache

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

// bucketEntries holds one Record per digest.
var bucketEntries = []byte("entries")

// Record is the index metadata of one cache entry.
type Record struct {
	Size     int64  `cbor:"1,keyasint"`
	Triple   string `cbor:"2,keyasint,omitempty"`
	StoredAt int64  `cbor:"3,keyasint,omitempty"` // unix nanoseconds
	Hits     uint64 `cbor:"4,keyasint"`
	LastHit  int64  `cbor:"5,keyasint,omitempty"` // unix nanoseconds
}

// Stored returns the store time, zero when unknown.
func (r Record) Stored() time.Time {
	if r.StoredAt == 0 {
		return time.Time{}
	}
	return time.Unix(0, r.StoredAt)
}

// index is the bbolt database next to the entries. It is opened for each
// operation and closed again, so no handle outlives the cache lock.
type index struct {
	path string
}

func (ix *index) open() (*bolt.DB, error) {
	db, err := bolt.Open(ix.path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucketEntries, err)
	}
	return db, nil
}

// update applies fn to the record of digest, creating it if needed.
func (ix *index) update(digest string, fn func(*Record)) error {
	db, err := ix.open()
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		var r Record
		if v := b.Get([]byte(digest)); v != nil {
			if err := cbor.Unmarshal(v, &r); err != nil {
				// Overwrite undecodable records.
				r = Record{}
			}
		}
		fn(&r)
		v, err := cbor.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(digest), v)
	})
}

func (ix *index) all() (map[string]Record, error) {
	db, err := ix.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	out := make(map[string]Record)
	err = db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var r Record
			if err := cbor.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode record %s: %w", k, err)
			}
			out[string(k)] = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
