package revision

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrInvalidRevisionID indicates a revision identifier that does not parse as "<generation>-<digest>".
	ErrInvalidRevisionID = errors.New("revision: invalid revision id")
	// ErrInvalidDocumentID indicates an empty, oversized or reserved document identifier.
	ErrInvalidDocumentID = errors.New("revision: invalid document id")
	// ErrGenerationLimit indicates a parent whose generation has no successor.
	ErrGenerationLimit = errors.New("revision: generation limit reached")
)

const (
	maxDocumentIDLength  = 190
	designDocumentPrefix = "_design/"
)

// ID identifies one revision of a document. Generation is always at least 1 for a valid ID.
type ID struct {
	Generation uint32
	Digest     string
}

// ParseID parses "<generation>-<digest>". An empty string yields the zero ID.
func ParseID(raw string) (ID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ID{}, nil
	}
	dash := strings.IndexByte(trimmed, '-')
	if dash <= 0 || dash == len(trimmed)-1 {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidRevisionID, raw)
	}
	generation, err := strconv.ParseUint(trimmed[:dash], 10, 32)
	if err != nil || generation == 0 {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidRevisionID, raw)
	}
	return ID{Generation: uint32(generation), Digest: trimmed[dash+1:]}, nil
}

// MustParseID is ParseID for literals known to be valid.
func MustParseID(raw string) ID {
	id, err := ParseID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool {
	return id.Generation == 0 && id.Digest == ""
}

func (id ID) String() string {
	if id.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d-%s", id.Generation, id.Digest)
}

// Compare orders by generation first and then by digest string.
func Compare(left, right ID) int {
	switch {
	case left.Generation < right.Generation:
		return -1
	case left.Generation > right.Generation:
		return 1
	}
	return strings.Compare(left.Digest, right.Digest)
}

// NextGeneration returns the generation of a child of parent.
func NextGeneration(parent ID) (uint32, error) {
	if parent.Generation == math.MaxUint32 {
		return 0, fmt.Errorf("%w: %s", ErrGenerationLimit, parent)
	}
	return parent.Generation + 1, nil
}

// GenerateID derives the ID of a child of parent from the canonical body and the deleted flag.
// Identical inputs give identical IDs on every peer.
func GenerateID(canonicalBody []byte, deleted bool, parent ID) (ID, error) {
	generation, err := NextGeneration(parent)
	if err != nil {
		return ID{}, err
	}
	hasher := md5.New()
	hasher.Write(canonicalBody)
	if deleted {
		hasher.Write([]byte{1})
	} else {
		hasher.Write([]byte{0})
	}
	hasher.Write([]byte(parent.Digest))
	return ID{
		Generation: generation,
		Digest:     hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// ValidateDocumentID rejects empty, oversized and reserved identifiers.
func ValidateDocumentID(docID string) error {
	if docID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(docID) > maxDocumentIDLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxDocumentIDLength)
	}
	if strings.HasPrefix(docID, "_") && !strings.HasPrefix(docID, designDocumentPrefix) {
		return fmt.Errorf("%w: reserved prefix in %q", ErrInvalidDocumentID, docID)
	}
	return nil
}
