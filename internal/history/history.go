// Package history keeps a per-demo log of upload attempts in a bbolt
// database. It exists for operators: nothing in the pipeline reads it to
// decide what to do.
package history

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// historyDirPerm is the permission mode for the directory holding the database.
	historyDirPerm = fs.FileMode(0o700)

	// historyFilePerm is the permission mode for the database file.
	historyFilePerm = fs.FileMode(0o600)

	// historyOpenTimeout is the maximum time to wait for the bolt database lock.
	historyOpenTimeout = 5 * time.Second
)

var attemptsBucket = []byte("attempts")

// Status is the result of the most recent attempt for a demo.
type Status string

const (
	StatusCompleted      Status = "completed"
	StatusDownloadFailed Status = "download_failed"
	StatusFailed         Status = "failed"
	StatusTimedOut       Status = "timed_out"
)

// Attempt is the stored record for one demo file.
type Attempt struct {
	FileName      string    `json:"fileName"`
	Attempts      int       `json:"attempts"`
	LastStatus    Status    `json:"lastStatus"`
	LastError     string    `json:"lastError,omitempty"`
	LastAttemptAt time.Time `json:"lastAttemptAt"`
	RemoteID      string    `json:"remoteId,omitempty"`
}

// History wraps a bbolt database of attempt records.
type History struct {
	db *bolt.DB
}

// Open opens the history database at path, creating it if it does not
// exist.
func Open(path string) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(path), historyDirPerm); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	db, err := bolt.Open(path, historyFilePerm, &bolt.Options{Timeout: historyOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(attemptsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing history db: %w", err)
	}

	return &History{db: db}, nil
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}

// RecordAttempt bumps the attempt counter for fileName and stores the
// outcome. errMsg and remoteID may be empty. A completed attempt keeps its
// remote ID; later non-completed records for the same name clear it.
func (h *History) RecordAttempt(fileName string, status Status, errMsg, remoteID string, at time.Time) error {
	if fileName == "" {
		return fmt.Errorf("recording attempt: empty file name")
	}

	return h.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(attemptsBucket)

		var rec Attempt
		if v := b.Get([]byte(fileName)); v != nil {
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding attempt for %s: %w", fileName, err)
			}
		}

		rec.FileName = fileName
		rec.Attempts++
		rec.LastStatus = status
		rec.LastError = errMsg
		rec.LastAttemptAt = at.UTC()
		rec.RemoteID = remoteID

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put([]byte(fileName), data)
	})
}

// Get returns the record for fileName, or nil if none exists.
func (h *History) Get(fileName string) (*Attempt, error) {
	var rec *Attempt

	err := h.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(attemptsBucket).Get([]byte(fileName))
		if v == nil {
			return nil
		}

		rec = &Attempt{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// All returns every record, most recent attempt first.
func (h *History) All() ([]Attempt, error) {
	var records []Attempt

	err := h.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(attemptsBucket).ForEach(func(k, v []byte) error {
			var rec Attempt
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding attempt for %s: %w", k, err)
			}

			records = append(records, rec)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].LastAttemptAt.After(records[j].LastAttemptAt)
	})

	return records, nil
}

// Count returns the number of demos with at least one recorded attempt.
func (h *History) Count() int {
	count := 0
	_ = h.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(attemptsBucket).Stats().KeyN
		return nil
	})

	return count
}
