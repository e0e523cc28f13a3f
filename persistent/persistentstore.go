package persistent

import (
	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
	"github.com/sushantsondhi/raftcore/common"
)

var stateBucketName = []byte("state")

// ErrKeyNotFound is returned by Get for a key that was never set.
var ErrKeyNotFound = errors.New("key doesn't exist")

// PStore is a PersistentStore backed by a Bolt DB. Every Set is its own
// fsync'ed transaction.
type PStore struct {
	db *bolt.DB
}

var _ common.PersistentStore = PStore{}

func NewPStore(dataBaseFilePath string) (PStore, error) {
	db, err := bolt.Open(dataBaseFilePath, 0600, nil)
	if err != nil {
		return PStore{}, errors.Wrapf(err, "open state store %s", dataBaseFilePath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return PStore{}, errors.Wrap(err, "create state bucket")
	}

	return PStore{
		db: db,
	}, nil
}

func (store PStore) Set(key, value []byte) error {
	return store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucketName).Put(key, value)
	})
}

func (store PStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := store.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(stateBucketName).Get(key)
		if v == nil {
			return errors.Wrapf(ErrKeyNotFound, "[Get] %q", key)
		}
		// bolt values are only valid inside the transaction
		val = append([]byte(nil), v...)
		return nil
	})
	return val, err
}

// GetDefault returns the value stored at key, storing defaultVal first
// when the key is absent.
func (store PStore) GetDefault(key []byte, defaultVal []byte) ([]byte, error) {
	var val []byte
	err := store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucketName)
		if v := bucket.Get(key); v != nil {
			val = append([]byte(nil), v...)
			return nil
		}
		val = defaultVal
		if defaultVal == nil {
			return nil
		}
		return bucket.Put(key, defaultVal)
	})
	return val, err
}

func (store PStore) Close() error {
	return store.db.Close()
}
