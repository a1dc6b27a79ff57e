// Package ledger persists the set of session ids this client has
// already auto-processed. The server remains the idempotency authority
// for attendance records; losing the ledger only costs harmless
// reprocessing.
package ledger

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/trezcool/mahudhurio/agent"
)

var processedBucket = []byte("processed_sessions")

// Bolt is the durable ledger, one single-file database per student
// profile. Safe for concurrent use.
type Bolt struct {
	db *bolt.DB
}

var _ agent.Ledger = (*Bolt)(nil)

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening ledger %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(processedBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating ledger bucket")
	}
	return &Bolt{db: db}, nil
}

func (l *Bolt) Has(sessionID int) (bool, error) {
	var found bool
	err := l.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(processedBucket).Get(itob(sessionID)) != nil
		return nil
	})
	return found, errors.Wrap(err, "reading ledger")
}

// MarkProcessed records the session id with its first-processed time.
// Re-marking keeps the original entry untouched.
func (l *Bolt) MarkProcessed(sessionID int) error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(processedBucket)
		key := itob(sessionID)
		if b.Get(key) != nil {
			return nil
		}
		return b.Put(key, []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	return errors.Wrap(err, "writing ledger")
}

// Clear wipes every entry. Diagnostic use only.
func (l *Bolt) Clear() error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(processedBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(processedBucket)
		return err
	})
	return errors.Wrap(err, "clearing ledger")
}

func (l *Bolt) Close() error {
	return l.db.Close()
}

func itob(v int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}
