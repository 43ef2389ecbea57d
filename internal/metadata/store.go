package metadata

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"asisaid.cn/filestore/internal/common/errors"
	"asisaid.cn/filestore/internal/common/logger"
)

// Store persists file records.
type Store interface {
	// Insert adds a new record. Existing ids fail with errors.ErrAlreadyExists.
	Insert(ctx context.Context, rec *FileRecord) error

	// Get retrieves a record by id.
	Get(ctx context.Context, id string) (*FileRecord, error)

	// List returns every record, oldest first.
	List(ctx context.Context) ([]*FileRecord, error)

	// ListByOwner returns the records owned by userID, oldest first.
	ListByOwner(ctx context.Context, userID string) ([]*FileRecord, error)

	// Delete removes a record.
	Delete(ctx context.Context, id string) error

	// DeleteAll removes every record.
	DeleteAll(ctx context.Context) error

	// Close closes the store.
	Close() error
}

// BadgerStore implements Store using BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// Key prefixes for records and indexes.
const (
	prefixFile  = "files:"  // files:<id> -> record JSON
	prefixOwner = "owners:" // owners:<hex(user_id)>:<id> -> ""
)

// NewBadgerStore opens (or creates) a BadgerStore at dbPath.
func NewBadgerStore(dbPath string) (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions(dbPath))
}

// NewInMemoryBadgerStore opens a BadgerStore that lives only in memory.
func NewInMemoryBadgerStore() (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	opts.Logger = nil // Disable badger's default logger

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.E("metadata.NewBadgerStore", errors.ErrBackend, fmt.Errorf("failed to open badger db: %w", err))
	}

	log := logger.WithComponent("BadgerStore")
	log.Info("BadgerDB opened", zap.String("dir", opts.Dir), zap.Bool("in_memory", opts.InMemory))

	return &BadgerStore{db: db, logger: log}, nil
}

// Insert adds a new record and its owner index entry in one transaction.
func (s *BadgerStore) Insert(ctx context.Context, rec *FileRecord) error {
	const op = "BadgerStore.Insert"

	if rec == nil || rec.ID == "" {
		return errors.E(op, errors.ErrInvalidInput, nil, "record id is required")
	}

	// The staged path describes one read, not the record.
	stored := *rec
	stored.StagedPath = ""

	data, err := json.Marshal(&stored)
	if err != nil {
		return errors.E(op, errors.ErrInvalidInput, fmt.Errorf("failed to marshal record: %w", err))
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		fileKey := []byte(prefixFile + rec.ID)

		_, err := txn.Get(fileKey)
		if err == nil {
			return errors.E(op, errors.ErrAlreadyExists, nil, rec.ID)
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		if err := txn.Set(fileKey, data); err != nil {
			return err
		}
		return txn.Set(ownerKey(rec.UserID, rec.ID), nil)
	})
	if err != nil {
		if errors.Is(err, errors.ErrAlreadyExists) {
			return err
		}
		return errors.E(op, errors.ErrBackend, err)
	}

	return nil
}

// Get retrieves a record by id.
func (s *BadgerStore) Get(ctx context.Context, id string) (*FileRecord, error) {
	var rec *FileRecord

	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, id)
		return err
	})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.E("BadgerStore.Get", errors.ErrNotFound, nil, id)
		}
		return nil, errors.E("BadgerStore.Get", errors.ErrBackend, err)
	}

	return rec, nil
}

// List returns every record, oldest first.
func (s *BadgerStore) List(ctx context.Context) ([]*FileRecord, error) {
	var records []*FileRecord
	prefix := []byte(prefixFile)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var rec FileRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				s.logger.Warn("skipping unreadable record",
					zap.ByteString("key", it.Item().KeyCopy(nil)),
					zap.Error(err),
				)
				continue
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, errors.E("BadgerStore.List", errors.ErrBackend, err)
	}

	sortRecords(records)
	return records, nil
}

// ListByOwner returns the records owned by userID through the owner index.
func (s *BadgerStore) ListByOwner(ctx context.Context, userID string) ([]*FileRecord, error) {
	var records []*FileRecord
	prefix := ownerPrefix(userID)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			id := string(it.Item().Key()[len(prefix):])
			rec, err := getRecord(txn, id)
			if err != nil {
				if errors.IsNotFound(err) {
					continue // dangling index entry
				}
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, errors.E("BadgerStore.ListByOwner", errors.ErrBackend, err)
	}

	sortRecords(records)
	return records, nil
}

// Delete removes a record and its owner index entry.
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	const op = "BadgerStore.Delete"

	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}

		if err := txn.Delete([]byte(prefixFile + id)); err != nil {
			return err
		}
		return txn.Delete(ownerKey(rec.UserID, id))
	})
	if err != nil {
		if errors.IsNotFound(err) {
			return errors.E(op, errors.ErrNotFound, nil, id)
		}
		return errors.E(op, errors.ErrBackend, err)
	}

	return nil
}

// DeleteAll drops every record and index entry.
func (s *BadgerStore) DeleteAll(ctx context.Context) error {
	const op = "BadgerStore.DeleteAll"

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for _, prefix := range [][]byte{[]byte(prefixFile), []byte(prefixOwner)} {
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return errors.E(op, errors.ErrBackend, err)
	}

	wb := s.db.NewWriteBatch()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			wb.Cancel()
			return errors.E(op, errors.ErrBackend, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return errors.E(op, errors.ErrBackend, err)
	}

	s.logger.Info("all records deleted", zap.Int("keys", len(keys)))
	return nil
}

// Close closes the store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func getRecord(txn *badger.Txn, id string) (*FileRecord, error) {
	item, err := txn.Get([]byte(prefixFile + id))
	if err == badger.ErrKeyNotFound {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec FileRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, err
	}
	return &rec, nil
}

// The owner id is hex encoded so an id containing ':' cannot match another
// owner's prefix.
func ownerPrefix(userID string) []byte {
	return []byte(prefixOwner + hex.EncodeToString([]byte(userID)) + ":")
}

func ownerKey(userID, id string) []byte {
	return append(ownerPrefix(userID), id...)
}

func sortRecords(records []*FileRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt != records[j].CreatedAt {
			return records[i].CreatedAt < records[j].CreatedAt
		}
		return records[i].ID < records[j].ID
	})
}

var _ Store = (*BadgerStore)(nil)
