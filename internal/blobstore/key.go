package blobstore

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

const digestPrefix = "sha256-"

// ErrInvalidKey indicates a blob key or digest string that cannot be decoded.
var ErrInvalidKey = errors.New("blobstore: invalid key")

// Key addresses one blob: the SHA-256 of its plaintext content.
type Key [sha256.Size]byte

// KeyFor returns the key of data.
func KeyFor(data []byte) Key {
	return Key(sha256.Sum256(data))
}

// ParseHex decodes the hex form used in blob file names.
func ParseHex(raw string) (Key, error) {
	var key Key
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != len(key) {
		return Key{}, errors.Wrapf(ErrInvalidKey, "hex %q", raw)
	}
	copy(key[:], decoded)
	return key, nil
}

// ParseDigest decodes the "sha256-<base64>" digest string stored in attachment metadata.
func ParseDigest(digest string) (Key, error) {
	if !strings.HasPrefix(digest, digestPrefix) {
		return Key{}, errors.Wrapf(ErrInvalidKey, "digest %q", digest)
	}
	var key Key
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(digest, digestPrefix))
	if err != nil || len(decoded) != len(key) {
		return Key{}, errors.Wrapf(ErrInvalidKey, "digest %q", digest)
	}
	copy(key[:], decoded)
	return key, nil
}

// Hex returns the lowercase hex form.
func (key Key) Hex() string {
	return hex.EncodeToString(key[:])
}

// Digest returns the "sha256-<base64>" form.
func (key Key) Digest() string {
	return digestPrefix + base64.StdEncoding.EncodeToString(key[:])
}

// IsZero reports whether the key is unset.
func (key Key) IsZero() bool {
	return key == Key{}
}

func (key Key) String() string {
	return key.Digest()
}
