// Package storage implements content-addressed stores for passport documents.
// Content is addressed by the hex sha256 of its bytes.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ahmadzakiakmal/passport-workbench/errs"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
)

const (
	contentPrefix = "cas:"
	// LocatorScheme prefixes locators issued by the local store
	LocatorScheme = "sha256:"
)

// Badger is a content-addressed store on a local badger database
type Badger struct {
	db     *badger.DB
	logger cmtlog.Logger
}

// OpenBadger opens (or creates) a store at path. An empty path opens an in-memory
// store.
func OpenBadger(path string, logger cmtlog.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open content store: %w", err)
	}
	return NewBadger(db, logger), nil
}

// NewBadger wraps an open badger database
func NewBadger(db *badger.DB, logger cmtlog.Logger) *Badger {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	return &Badger{db: db, logger: logger.With("module", "storage")}
}

func (s *Badger) Close() error {
	return s.db.Close()
}

// Hash returns the content hash of data
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Locator returns the local locator of a content hash
func Locator(hash string) string {
	return LocatorScheme + hash
}

// Put stores data under its hash. Storing the same bytes twice is a no-op.
func (s *Badger) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	hash := Hash(data)
	key := []byte(contentPrefix + hash)

	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return "", errs.New(errs.ErrStorageUnavailable, "put %s: %v", hash, err)
	}
	s.logger.Debug("Content stored", "hash", hash, "bytes", len(data))
	return Locator(hash), nil
}

// Has reports whether content with the given hash is stored
func (s *Badger) Has(ctx context.Context, hash string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(contentPrefix + hash))
		if err == nil {
			found = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return "", false, errs.New(errs.ErrStorageUnavailable, "has %s: %v", hash, err)
	}
	if !found {
		return "", false, nil
	}
	return Locator(hash), true, nil
}

// Get returns the content behind a hash or locator
func (s *Badger) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash := strings.TrimPrefix(ref, LocatorScheme)
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(contentPrefix + hash))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, errs.New(errs.ErrNotFound, "content %s", hash)
		}
		return nil, errs.New(errs.ErrStorageUnavailable, "get %s: %v", hash, err)
	}
	return data, nil
}
