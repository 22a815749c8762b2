// Package attachments models attachment metadata inside revision bodies and moves it between its
// stub, inline and follows forms.
package attachments

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/MarcoPoloResearchLab/revdb/internal/status"
)

const opParse = "attachments.parse"

// Encoding is the transfer encoding of stored attachment bytes.
type Encoding string

const (
	EncodingNone Encoding = ""
	EncodingGzip Encoding = "gzip"
)

// State says where an attachment's bytes are in a given body.
type State int

const (
	// StateStub means the bytes are in the blob store and the body only references them.
	StateStub State = iota
	// StateInline means the body carries the bytes as base64.
	StateInline
	// StateFollows means the bytes travel out of band and are staged by digest.
	StateFollows
)

// Attachment is the typed form of one "_attachments" entry.
type Attachment struct {
	Name        string
	ContentType string
	Digest      string
	// Length is the decoded length. EncodedLength is set only for encoded attachments.
	Length        int64
	EncodedLength int64
	Encoding      Encoding
	RevPos        uint32
	State         State
	// Data holds the inline bytes, still encoded.
	Data []byte
}

// FromMetadata parses one metadata map.
func FromMetadata(name string, metadata map[string]any) (*Attachment, error) {
	attachment := &Attachment{Name: name, State: StateStub}
	if contentType, ok := metadata["content_type"].(string); ok {
		attachment.ContentType = contentType
	}
	if digest, ok := metadata["digest"].(string); ok {
		attachment.Digest = digest
	}
	if length, ok := toInt64(metadata["length"]); ok {
		attachment.Length = length
	}
	if encodedLength, ok := toInt64(metadata["encoded_length"]); ok {
		attachment.EncodedLength = encodedLength
	}
	switch encoding := metadata["encoding"].(type) {
	case nil:
	case string:
		switch Encoding(encoding) {
		case EncodingNone, EncodingGzip:
			attachment.Encoding = Encoding(encoding)
		default:
			return nil, status.New(opParse, "unknown_encoding", status.ErrBadAttachment, fmt.Errorf("%s: %q", name, encoding))
		}
	default:
		return nil, status.New(opParse, "unknown_encoding", status.ErrBadAttachment, fmt.Errorf("%s", name))
	}
	if rawRevPos, present := metadata["revpos"]; present {
		revPos, ok := toInt64(rawRevPos)
		if !ok || revPos < 0 || revPos > math.MaxUint32 {
			return nil, status.New(opParse, "invalid_revpos", status.ErrBadAttachment, fmt.Errorf("%s", name))
		}
		attachment.RevPos = uint32(revPos)
	}

	switch data := metadata["data"].(type) {
	case nil:
	case string:
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, status.New(opParse, "invalid_base64", status.ErrBadAttachment, err)
		}
		attachment.Data = decoded
		attachment.State = StateInline
	case []byte:
		attachment.Data = data
		attachment.State = StateInline
	default:
		return nil, status.New(opParse, "invalid_data", status.ErrBadAttachment, fmt.Errorf("%s", name))
	}
	if follows, _ := metadata["follows"].(bool); follows {
		if attachment.State == StateInline {
			return nil, status.New(opParse, "inline_and_follows", status.ErrBadAttachment, fmt.Errorf("%s", name))
		}
		attachment.State = StateFollows
	}
	return attachment, nil
}

// Parse reads every entry of an "_attachments" map, sorted by name.
func Parse(attachments map[string]any) ([]*Attachment, error) {
	names := make([]string, 0, len(attachments))
	for name := range attachments {
		names = append(names, name)
	}
	sort.Strings(names)
	parsed := make([]*Attachment, 0, len(names))
	for _, name := range names {
		metadata, ok := attachments[name].(map[string]any)
		if !ok {
			return nil, status.New(opParse, "invalid_metadata", status.ErrBadAttachment, fmt.Errorf("%s", name))
		}
		attachment, err := FromMetadata(name, metadata)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, attachment)
	}
	return parsed, nil
}

// StubMetadata is the stored form: everything but the bytes, marked stub.
func (attachment *Attachment) StubMetadata() map[string]any {
	metadata := attachment.baseMetadata()
	metadata["stub"] = true
	return metadata
}

// InlineMetadata carries data as base64.
func (attachment *Attachment) InlineMetadata(data []byte) map[string]any {
	metadata := attachment.baseMetadata()
	metadata["data"] = base64.StdEncoding.EncodeToString(data)
	return metadata
}

// FollowsMetadata marks the bytes as sent out of band.
func (attachment *Attachment) FollowsMetadata() map[string]any {
	metadata := attachment.baseMetadata()
	metadata["follows"] = true
	return metadata
}

// StoredLength is the number of bytes held in the blob store.
func (attachment *Attachment) StoredLength() int64 {
	if attachment.Encoding != EncodingNone && attachment.EncodedLength > 0 {
		return attachment.EncodedLength
	}
	return attachment.Length
}

func (attachment *Attachment) baseMetadata() map[string]any {
	metadata := map[string]any{
		"digest": attachment.Digest,
		"length": attachment.Length,
		"revpos": attachment.RevPos,
	}
	if attachment.ContentType != "" {
		metadata["content_type"] = attachment.ContentType
	}
	if attachment.Encoding != EncodingNone {
		metadata["encoding"] = string(attachment.Encoding)
		metadata["encoded_length"] = attachment.EncodedLength
	}
	return metadata
}

func toInt64(value any) (int64, bool) {
	switch typed := value.(type) {
	case int:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case int64:
		return typed, true
	case uint32:
		return int64(typed), true
	case uint64:
		if typed > math.MaxInt64 {
			return 0, false
		}
		return int64(typed), true
	case float64:
		if typed != math.Trunc(typed) {
			return 0, false
		}
		return int64(typed), true
	case json.Number:
		parsed, err := typed.Int64()
		return parsed, err == nil
	default:
		return 0, false
	}
}
