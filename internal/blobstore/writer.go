package blobstore

import (
	"crypto/sha256"
	"hash"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrWriterState indicates a Writer call out of order, such as Write after Finish.
var ErrWriterState = errors.New("blobstore: writer used out of order")

// Writer stages one blob. Bytes go to a temp file in the store directory while the digest is
// computed. Finish fixes the key, Install renames the temp file into place and Cancel discards it.
type Writer struct {
	store  *Store
	file   *os.File
	sink   io.Writer
	hash   hash.Hash
	length int64
	key    Key

	finished bool
	done     bool
}

// NewWriter starts a new staged blob.
func (store *Store) NewWriter() (*Writer, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	file, err := os.CreateTemp(store.dir, tempPattern)
	if err != nil {
		return nil, errors.Wrapf(err, "blobstore: create temp file in %s", store.dir)
	}
	writer := &Writer{store: store, file: file, sink: file, hash: sha256.New()}
	if store.key != nil {
		encrypting, err := newEncryptingWriter(file, store.key)
		if err != nil {
			file.Close()
			os.Remove(file.Name())
			return nil, err
		}
		writer.sink = encrypting
	}
	return writer, nil
}

// Write appends plaintext to the staged blob.
func (writer *Writer) Write(data []byte) (int, error) {
	if writer.finished || writer.done {
		return 0, ErrWriterState
	}
	writer.hash.Write(data)
	written, err := writer.sink.Write(data)
	writer.length += int64(written)
	if err != nil {
		return written, errors.Wrap(err, "blobstore: write temp file")
	}
	return written, nil
}

// Finish closes the temp file and computes the key.
func (writer *Writer) Finish() error {
	if writer.done {
		return ErrWriterState
	}
	if writer.finished {
		return nil
	}
	if err := writer.file.Close(); err != nil {
		return errors.Wrap(err, "blobstore: close temp file")
	}
	copy(writer.key[:], writer.hash.Sum(nil))
	writer.finished = true
	return nil
}

// Key returns the content key. It is valid after Finish.
func (writer *Writer) Key() Key {
	return writer.key
}

// Digest returns the "sha256-<base64>" form of the key. It is valid after Finish.
func (writer *Writer) Digest() string {
	return writer.key.Digest()
}

// Length returns the number of plaintext bytes written.
func (writer *Writer) Length() int64 {
	return writer.length
}

// TempPath returns the temp file path while the writer is staged.
func (writer *Writer) TempPath() string {
	return writer.file.Name()
}

// Install renames the temp file to its content-addressed path. When the blob already exists the
// temp file is removed instead.
func (writer *Writer) Install() error {
	if writer.done {
		return nil
	}
	if !writer.finished {
		if err := writer.Finish(); err != nil {
			return err
		}
	}
	store := writer.store
	store.mu.RLock()
	defer store.mu.RUnlock()

	target := store.PathFor(writer.key)
	if _, err := os.Stat(target); err == nil {
		writer.discard()
		writer.done = true
		return nil
	}
	if err := os.Rename(writer.file.Name(), target); err != nil {
		writer.discard()
		return errors.Wrapf(err, "blobstore: install %s", writer.key.Hex())
	}
	writer.done = true
	store.logger.Debug("blob installed", zap.String("digest", writer.key.Digest()), zap.Int64("length", writer.length))
	return nil
}

// Installed reports whether the blob has been moved into the store.
func (writer *Writer) Installed() bool {
	return writer.done
}

// Cancel discards the staged blob. It is a no-op after Install.
func (writer *Writer) Cancel() {
	if writer.done {
		return
	}
	if !writer.finished {
		writer.file.Close()
		writer.finished = true
	}
	writer.discard()
}

func (writer *Writer) discard() {
	if err := os.Remove(writer.file.Name()); err != nil && !os.IsNotExist(err) {
		writer.store.logger.Warn("temp blob removal failed", zap.String("path", writer.file.Name()), zap.Error(err))
	}
	writer.done = true
}
