// Package blobstore is a content-addressed file store for attachment bodies. Files are named by
// the SHA-256 of their plaintext and are only ever created by renaming a fully written temp file.
package blobstore

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	blobExtension   = ".blob"
	tempPattern     = "tmp*.blobtmp"
	markerFileName  = "_encryption"
	directoryMode   = 0o755
	blobFileMode    = 0o644
	gzipMagicLength = 2
)

var (
	// ErrNotFound indicates no blob exists for a key.
	ErrNotFound = errors.New("blobstore: blob not found")
	// ErrUnauthorized indicates an encrypted store opened without a matching key.
	ErrUnauthorized = errors.New("blobstore: store is encrypted")
)

// Options configures Open.
type Options struct {
	// EncryptionKey enables transparent encryption. Opening an unencrypted store with a key
	// encrypts its existing blobs in place.
	EncryptionKey *EncryptionKey
	Logger        *zap.Logger
}

// Store is a directory of blobs. It is safe for concurrent use.
type Store struct {
	dir    string
	logger *zap.Logger

	// mu is held exclusively only while the directory is swapped during a key change.
	mu  sync.RWMutex
	key *EncryptionKey
}

// Open opens or creates the store at dir.
func Open(dir string, options Options) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("blobstore: directory is required")
	}
	if err := os.MkdirAll(dir, directoryMode); err != nil {
		return nil, errors.Wrapf(err, "blobstore: create %s", dir)
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := &Store{dir: dir, logger: logger}

	marker, err := os.ReadFile(filepath.Join(dir, markerFileName))
	switch {
	case err == nil:
		if options.EncryptionKey == nil {
			return nil, ErrUnauthorized
		}
		if strings.TrimSpace(string(marker)) != encryptionAlgorithm {
			return nil, errors.Wrapf(ErrUnauthorized, "unsupported algorithm %q", strings.TrimSpace(string(marker)))
		}
		store.key = options.EncryptionKey
	case os.IsNotExist(err):
		if options.EncryptionKey == nil {
			break
		}
		keys, err := store.keys()
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			if err := store.writeMarker(dir, options.EncryptionKey); err != nil {
				return nil, err
			}
			store.key = options.EncryptionKey
			break
		}
		if err := store.ChangeEncryptionKey(options.EncryptionKey); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrapf(err, "blobstore: read marker in %s", dir)
	}
	return store, nil
}

// Dir returns the store directory.
func (store *Store) Dir() string {
	return store.dir
}

// Encrypted reports whether blobs are stored encrypted.
func (store *Store) Encrypted() bool {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.key != nil
}

// PathFor returns the file path of key. The file may not exist; when the store is encrypted the
// file holds ciphertext.
func (store *Store) PathFor(key Key) string {
	return filepath.Join(store.dir, key.Hex()+blobExtension)
}

// Put stores data and returns its key. Storing identical bytes again rewrites nothing.
func (store *Store) Put(data []byte) (Key, error) {
	key := KeyFor(data)
	if store.Has(key) {
		return key, nil
	}
	writer, err := store.NewWriter()
	if err != nil {
		return Key{}, err
	}
	if _, err := writer.Write(data); err != nil {
		writer.Cancel()
		return Key{}, err
	}
	if err := writer.Finish(); err != nil {
		writer.Cancel()
		return Key{}, err
	}
	if err := writer.Install(); err != nil {
		return Key{}, err
	}
	return writer.Key(), nil
}

// PutStream copies source into the store and returns its key and length.
func (store *Store) PutStream(source io.Reader) (Key, int64, error) {
	writer, err := store.NewWriter()
	if err != nil {
		return Key{}, 0, err
	}
	if _, err := io.Copy(writer, source); err != nil {
		writer.Cancel()
		return Key{}, 0, errors.Wrap(err, "blobstore: copy stream")
	}
	if err := writer.Finish(); err != nil {
		writer.Cancel()
		return Key{}, 0, err
	}
	if err := writer.Install(); err != nil {
		return Key{}, 0, err
	}
	return writer.Key(), writer.Length(), nil
}

// Has reports whether a blob exists for key.
func (store *Store) Has(key Key) bool {
	store.mu.RLock()
	defer store.mu.RUnlock()
	_, err := os.Stat(store.PathFor(key))
	return err == nil
}

// Get opens the plaintext content of key. The caller closes the reader.
func (store *Store) Get(key Key) (io.ReadCloser, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.open(key, store.key)
}

// ReadAll returns the plaintext content of key.
func (store *Store) ReadAll(key Key) ([]byte, error) {
	reader, err := store.Get(key)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrapf(err, "blobstore: read %s", key.Hex())
	}
	return data, nil
}

// Size returns the plaintext length of key.
func (store *Store) Size(key Key) (int64, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	info, err := os.Stat(store.PathFor(key))
	if os.IsNotExist(err) {
		return 0, errors.Wrapf(ErrNotFound, "key %s", key.Hex())
	}
	if err != nil {
		return 0, errors.Wrapf(err, "blobstore: stat %s", key.Hex())
	}
	return plaintextSize(info.Size(), store.key), nil
}

// IsGzipped reports whether the content of key starts with the gzip magic number.
func (store *Store) IsGzipped(key Key) (bool, error) {
	reader, err := store.Get(key)
	if err != nil {
		return false, err
	}
	defer reader.Close()
	magic := make([]byte, gzipMagicLength)
	if _, err := io.ReadFull(reader, magic); err != nil {
		return false, nil
	}
	return bytes.Equal(magic, []byte{0x1f, 0x8b}), nil
}

// Keys lists every stored key in hex order.
func (store *Store) Keys() ([]Key, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.keys()
}

// Count returns the number of stored blobs.
func (store *Store) Count() (int, error) {
	keys, err := store.Keys()
	return len(keys), err
}

// TotalDataSize sums the on-disk size of every blob.
func (store *Store) TotalDataSize() (int64, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	keys, err := store.keys()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, key := range keys {
		info, err := os.Stat(store.PathFor(key))
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// DeleteExcept removes every blob whose key is not in keep and returns how many were removed.
func (store *Store) DeleteExcept(keep map[Key]struct{}) (int, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	keys, err := store.keys()
	if err != nil {
		return 0, err
	}
	deleted := 0
	var firstErr error
	for _, key := range keys {
		if _, kept := keep[key]; kept {
			continue
		}
		if err := os.Remove(store.PathFor(key)); err != nil && !os.IsNotExist(err) {
			store.logger.Warn("blob delete failed", zap.String("digest", key.Digest()), zap.Error(err))
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "blobstore: delete %s", key.Hex())
			}
			continue
		}
		deleted++
	}
	return deleted, firstErr
}

func (store *Store) keys() ([]Key, error) {
	entries, err := os.ReadDir(store.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "blobstore: list %s", store.dir)
	}
	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, blobExtension) {
			continue
		}
		key, err := ParseHex(strings.TrimSuffix(name, blobExtension))
		if err != nil {
			store.logger.Debug("skipping foreign file", zap.String("name", name))
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(left, right int) bool {
		return bytes.Compare(keys[left][:], keys[right][:]) < 0
	})
	return keys, nil
}

func (store *Store) open(key Key, encryptionKey *EncryptionKey) (io.ReadCloser, error) {
	file, err := os.Open(store.PathFor(key))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "key %s", key.Hex())
	}
	if err != nil {
		return nil, errors.Wrapf(err, "blobstore: open %s", key.Hex())
	}
	if encryptionKey == nil {
		return file, nil
	}
	reader, err := newDecryptingReader(file, encryptionKey)
	if err != nil {
		file.Close()
		return nil, err
	}
	return readCloser{Reader: reader, Closer: file}, nil
}

func (store *Store) writeMarker(dir string, encryptionKey *EncryptionKey) error {
	path := filepath.Join(dir, markerFileName)
	if encryptionKey == nil {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "blobstore: remove marker")
		}
		return nil
	}
	if err := renameio.WriteFile(path, []byte(encryptionAlgorithm), blobFileMode); err != nil {
		return errors.Wrap(err, "blobstore: write marker")
	}
	return nil
}

func plaintextSize(fileSize int64, encryptionKey *EncryptionKey) int64 {
	if encryptionKey == nil {
		return fileSize
	}
	if fileSize < nonceSize {
		return 0
	}
	return fileSize - nonceSize
}

type readCloser struct {
	io.Reader
	io.Closer
}
