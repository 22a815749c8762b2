package blobstore

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/pbkdf2"
)

const (
	encryptionAlgorithm = "xchacha20"
	keySize             = chacha20.KeySize
	nonceSize           = chacha20.NonceSizeX
	passwordRounds      = 64000
	passwordSalt        = "revdb blob store key"
)

// EncryptionKey is the store-wide symmetric key. The zero value is not usable.
type EncryptionKey struct {
	material [keySize]byte
}

// NewEncryptionKey wraps 32 bytes of key material.
func NewEncryptionKey(raw []byte) (*EncryptionKey, error) {
	if len(raw) != keySize {
		return nil, errors.Errorf("blobstore: encryption key must be %d bytes, got %d", keySize, len(raw))
	}
	key := &EncryptionKey{}
	copy(key.material[:], raw)
	return key, nil
}

// GenerateEncryptionKey returns a random key.
func GenerateEncryptionKey() (*EncryptionKey, error) {
	key := &EncryptionKey{}
	if _, err := io.ReadFull(rand.Reader, key.material[:]); err != nil {
		return nil, errors.Wrap(err, "blobstore: generate key")
	}
	return key, nil
}

// KeyFromPassword derives a key with PBKDF2-SHA256.
func KeyFromPassword(password string) *EncryptionKey {
	key := &EncryptionKey{}
	copy(key.material[:], pbkdf2.Key([]byte(password), []byte(passwordSalt), passwordRounds, keySize, sha256.New))
	return key
}

// Equal reports whether two keys hold the same material. Nil keys are equal to each other.
func (key *EncryptionKey) Equal(other *EncryptionKey) bool {
	if key == nil || other == nil {
		return key == other
	}
	return key.material == other.material
}

type encryptingWriter struct {
	sink   io.Writer
	cipher *chacha20.Cipher
	buffer []byte
}

// newEncryptingWriter writes a random nonce header to sink and returns a writer that encrypts
// everything after it.
func newEncryptingWriter(sink io.Writer, key *EncryptionKey) (*encryptingWriter, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "blobstore: generate nonce")
	}
	streamCipher, err := chacha20.NewUnauthenticatedCipher(key.material[:], nonce)
	if err != nil {
		return nil, errors.Wrap(err, "blobstore: init cipher")
	}
	if _, err := sink.Write(nonce); err != nil {
		return nil, errors.Wrap(err, "blobstore: write nonce")
	}
	return &encryptingWriter{sink: sink, cipher: streamCipher}, nil
}

func (writer *encryptingWriter) Write(plaintext []byte) (int, error) {
	if cap(writer.buffer) < len(plaintext) {
		writer.buffer = make([]byte, len(plaintext))
	}
	ciphertext := writer.buffer[:len(plaintext)]
	writer.cipher.XORKeyStream(ciphertext, plaintext)
	written, err := writer.sink.Write(ciphertext)
	if err == nil && written != len(plaintext) {
		err = io.ErrShortWrite
	}
	return written, err
}

type decryptingReader struct {
	source io.Reader
	cipher *chacha20.Cipher
}

func newDecryptingReader(source io.Reader, key *EncryptionKey) (*decryptingReader, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(source, nonce); err != nil {
		return nil, errors.Wrap(err, "blobstore: read nonce")
	}
	streamCipher, err := chacha20.NewUnauthenticatedCipher(key.material[:], nonce)
	if err != nil {
		return nil, errors.Wrap(err, "blobstore: init cipher")
	}
	return &decryptingReader{source: source, cipher: streamCipher}, nil
}

func (reader *decryptingReader) Read(buffer []byte) (int, error) {
	read, err := reader.source.Read(buffer)
	if read > 0 {
		reader.cipher.XORKeyStream(buffer[:read], buffer[:read])
	}
	return read, err
}
