package blobstore

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ChangeEncryptionKey re-encrypts every blob under newKey, or decrypts them all when newKey is nil.
// The new contents are written to a sibling directory which then replaces the store directory. On
// any failure the original directory and key stay in effect. Writers staged before the call cannot
// be installed afterwards.
func (store *Store) ChangeEncryptionKey(newKey *EncryptionKey) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	parent, base := filepath.Split(filepath.Clean(store.dir))
	suffix := uuid.NewString()
	stagingDir := filepath.Join(parent, base+".rekey-"+suffix)
	backupDir := filepath.Join(parent, base+".old-"+suffix)

	if err := os.Mkdir(stagingDir, directoryMode); err != nil {
		return errors.Wrapf(err, "blobstore: create staging directory %s", stagingDir)
	}
	if err := store.copyAll(stagingDir, newKey); err != nil {
		os.RemoveAll(stagingDir)
		return err
	}
	if err := store.writeMarker(stagingDir, newKey); err != nil {
		os.RemoveAll(stagingDir)
		return err
	}

	if err := os.Rename(store.dir, backupDir); err != nil {
		os.RemoveAll(stagingDir)
		return errors.Wrap(err, "blobstore: move store aside")
	}
	if err := os.Rename(stagingDir, store.dir); err != nil {
		if restoreErr := os.Rename(backupDir, store.dir); restoreErr != nil {
			store.logger.Error("blob store restore failed",
				zap.String("backup", backupDir), zap.Error(restoreErr))
		}
		os.RemoveAll(stagingDir)
		return errors.Wrap(err, "blobstore: swap in re-keyed store")
	}

	store.key = newKey
	if err := os.RemoveAll(backupDir); err != nil {
		store.logger.Warn("old blob directory removal failed", zap.String("path", backupDir), zap.Error(err))
	}
	store.logger.Info("blob store key changed", zap.Bool("encrypted", newKey != nil))
	return nil
}

// copyAll writes every blob into dir under newKey and verifies each digest. Callers hold mu.
func (store *Store) copyAll(dir string, newKey *EncryptionKey) error {
	keys, err := store.keys()
	if err != nil {
		return err
	}
	target := &Store{dir: dir, key: newKey, logger: store.logger}
	for _, key := range keys {
		if err := store.copyOne(target, key); err != nil {
			return err
		}
	}
	return nil
}

func (store *Store) copyOne(target *Store, key Key) error {
	reader, err := store.open(key, store.key)
	if err != nil {
		return err
	}
	defer reader.Close()

	writer, err := target.NewWriter()
	if err != nil {
		return err
	}
	if _, err := io.Copy(writer, reader); err != nil {
		writer.Cancel()
		return errors.Wrapf(err, "blobstore: re-key %s", key.Hex())
	}
	if err := writer.Finish(); err != nil {
		writer.Cancel()
		return err
	}
	if writer.Key() != key {
		writer.Cancel()
		return errors.Errorf("blobstore: re-key %s produced digest %s", key.Hex(), writer.Key().Hex())
	}
	return writer.Install()
}
