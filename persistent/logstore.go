package persistent

// Bolt is a pure Go key/value store  that don't require a full database server such as Postgres or MySQL
import (
	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
	"github.com/sushantsondhi/raftcore/common"
)

var logsBucketName = []byte("logs")

// ErrIndexNotFound is returned when a log index is not present in the store.
var ErrIndexNotFound = errors.New("index doesn't exist")

// ErrNonContiguous is returned when a write would leave a gap in the log.
var ErrNonContiguous = errors.New("can't append to index; greater than log length")

// DbLogStore is a log store implementation backed by a Bolt DB.
// Keys are big-endian indexes, so cursor order is index order.
type DbLogStore struct {
	db *bolt.DB
}

var _ common.LogStore = DbLogStore{}

func CreateDbLogStore(dataBaseFilePath string) (DbLogStore, error) {
	// Open the .db data file in your current directory.
	// It will be created if it doesn't exist.
	db, err := bolt.Open(dataBaseFilePath, 0600, nil)
	if err != nil {
		return DbLogStore{}, errors.Wrapf(err, "open log store %s", dataBaseFilePath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(logsBucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return DbLogStore{}, errors.Wrap(err, "create logs bucket")
	}

	return DbLogStore{
		db: db,
	}, nil
}

// length returns the number of entries, derived from the last key.
func length(bucket *bolt.Bucket) int64 {
	k, _ := bucket.Cursor().Last()
	if k == nil {
		return 0
	}
	return bytesToInt64(k) + 1
}

func put(bucket *bolt.Bucket, entry common.LogEntry) error {
	if entry.Index < 0 || entry.Index > length(bucket) {
		return errors.Wrapf(ErrNonContiguous, "[Store] index %d", entry.Index)
	}
	return bucket.Put(int64ToBytes(entry.Index), EncodeEntry(entry))
}

func (d DbLogStore) Store(entry common.LogEntry) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(logsBucketName), entry)
	})
}

func (d DbLogStore) Append(entries []common.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logsBucketName)
		for _, entry := range entries {
			if err := put(bucket, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d DbLogStore) Get(index int64) (*common.LogEntry, error) {
	var entry common.LogEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(logsBucketName).Get(int64ToBytes(index))
		if val == nil {
			return errors.Wrapf(ErrIndexNotFound, "[Get] index %d", index)
		}
		var err error
		entry, err = DecodeEntry(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (d DbLogStore) GetLast() (*common.LogEntry, error) {
	var entry common.LogEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		_, val := tx.Bucket(logsBucketName).Cursor().Last()
		if val == nil {
			return errors.Wrap(ErrIndexNotFound, "[GetLast] log is empty")
		}
		var err error
		entry, err = DecodeEntry(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (d DbLogStore) Entries(from int64) ([]common.LogEntry, error) {
	var entries []common.LogEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(logsBucketName).Cursor()
		for k, v := c.Seek(int64ToBytes(from)); k != nil; k, v = c.Next() {
			entry, err := DecodeEntry(v)
			if err != nil {
				return errors.Wrapf(err, "[Entries] index %d", bytesToInt64(k))
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

func (d DbLogStore) Length() (int64, error) {
	var logLength int64
	err := d.db.View(func(tx *bolt.Tx) error {
		logLength = length(tx.Bucket(logsBucketName))
		return nil
	})
	return logLength, err
}

func (d DbLogStore) TruncateFrom(index int64) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logsBucketName)
		// deleting through the cursor while iterating skips keys, so collect first
		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek(int64ToBytes(index)); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return errors.Wrapf(err, "[TruncateFrom] index %d", bytesToInt64(k))
			}
		}
		return nil
	})
}

func (d DbLogStore) Close() error {
	return d.db.Close()
}
