// Package mapstore persists map entries in a bbolt database.
//
// The store is the write-behind target of the partition service: dirty records
// are written with Store, tombstones with Delete. Every map gets its own bucket.
// A primary can read through the store on a miss with Load.
package mapstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"go.etcd.io/bbolt"
)

var Logger = logger.GetLogger("mapstore")

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("mapstore is closed")

// Options configures the bbolt database
type Options struct {
	Timeout   time.Duration // time to wait for the file lock (0 = 10s)
	IsTesting bool          // disables fsync
}

// Store is a bbolt backed map store
type Store struct {
	bdb *bbolt.DB
}

// Open opens or creates the database at path
func Open(path string, opt Options) (*Store, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = opt.Timeout
	if bopt.Timeout == 0 {
		bopt.Timeout = 10 * time.Second
	}
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
	} else {
		bopt.FreelistType = bbolt.FreelistMapType
	}

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, fmt.Errorf("mapstore: %w", err)
	}
	Logger.Infof("opened map store at %s", path)
	return &Store{bdb: bdb}, nil
}

// Store writes key=value into the bucket of mapName
func (s *Store) Store(mapName string, key, value []byte) error {
	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(mapName))
		if err != nil {
			return err
		}
		if value == nil {
			// bbolt cannot tell a nil value from a missing key
			value = []byte{}
		}
		return b.Put(key, value)
	})
	return wrap("store", mapName, err)
}

// Delete removes key from the bucket of mapName. Missing keys are ignored.
func (s *Store) Delete(mapName string, key []byte) error {
	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(mapName))
		if b == nil {
			return nil
		}
		return b.Delete(key)
	})
	return wrap("delete", mapName, err)
}

// Load reads key from the bucket of mapName. The boolean is false if the key is absent.
func (s *Store) Load(mapName string, key []byte) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := s.bdb.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(mapName))
		if b == nil {
			return nil
		}
		if v := b.Get(key); v != nil {
			// the slice is only valid inside the transaction
			value = append([]byte{}, v...)
			found = true
		}
		return nil
	})
	if err != nil {
		return nil, false, wrap("load", mapName, err)
	}
	return value, found, nil
}

// ForEach calls fn for every entry of mapName in key order until fn returns false
func (s *Store) ForEach(mapName string, fn func(key, value []byte) bool) error {
	err := s.bdb.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(mapName))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
	return wrap("scan", mapName, err)
}

// Maps returns the names of all persisted maps
func (s *Store) Maps() ([]string, error) {
	var names []string
	err := s.bdb.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, wrap("list", "", err)
}

// Close closes the database
func (s *Store) Close() error {
	return s.bdb.Close()
}

func wrap(op, mapName string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return fmt.Errorf("mapstore: %s in map %q failed: %w", op, mapName, err)
}
