// Package store indexes completed uploads. Files on disk are named by a
// generated id, never by the client-supplied filename, so two uploads of
// the same filename cannot clobber each other's bytes; the index maps
// the client-facing filename to the latest stored id.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when no upload is indexed under a filename
var ErrNotFound = errors.New("file not found")

// Record describes one completed upload
type Record struct {
	StoredID   string    `json:"stored_id"` // Name of the backing file in the upload dir
	Filename   string    `json:"filename"`  // Client-facing filename
	Sender     string    `json:"sender"`
	Recipient  string    `json:"recipient"`
	Size       int64     `json:"size"`
	Time       string    `json:"time"` // Client-supplied timestamp from finish-upload
	UploadedAt time.Time `json:"uploaded_at"`
}

// Store wraps BadgerDB for the upload index
type Store struct {
	db *badger.DB
}

// Open creates or opens the index at path
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	// The index is tiny; trim badger's defaults down accordingly
	opts.NumMemtables = 2
	opts.NumCompactors = 2
	opts.ValueLogFileSize = 16 << 20
	opts.MemTableSize = 8 << 20
	opts.BlockCacheSize = 8 << 20
	opts.IndexCacheSize = 8 << 20
	opts.CompactL0OnClose = true
	opts.DetectConflicts = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload index: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the index
func (s *Store) Close() error {
	return s.db.Close()
}

// Put records a completed upload. A later upload of the same filename
// replaces the earlier record; the orphaned backing file id is returned
// so the caller can delete it.
func (s *Store) Put(rec *Record) (orphanedID string, err error) {
	rec.UploadedAt = time.Now()

	err = s.db.Update(func(txn *badger.Txn) error {
		key := []byte("file:" + rec.Filename)

		item, err := txn.Get(key)
		if err == nil {
			var prev Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &prev)
			}); err == nil && prev.StoredID != rec.StoredID {
				orphanedID = prev.StoredID
			}
		} else if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to check existing record: %w", err)
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return "", err
	}
	return orphanedID, nil
}

// Get resolves a client-facing filename to its stored record
func (s *Store) Get(filename string) (*Record, error) {
	var rec Record

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("file:" + filename))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})

	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve record for %s: %w", filename, err)
	}

	return &rec, nil
}

// List returns all indexed uploads
func (s *Store) List() ([]*Record, error) {
	var records []*Record

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 5
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte("file:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				records = append(records, &rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	return records, err
}

// Delete drops the record indexed under a filename
func (s *Store) Delete(filename string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte("file:" + filename))
	})
}
