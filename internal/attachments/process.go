package attachments

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/MarcoPoloResearchLab/revdb/internal/status"
)

const opProcess = "attachments.process"

// ErrNoPendingWriter is returned by a Sink when no staged upload matches a digest.
var ErrNoPendingWriter = errors.New("attachments: no pending writer for digest")

// Sink installs attachment bytes into the blob store.
type Sink interface {
	// StoreInline stores decoded inline bytes and returns their digest.
	StoreInline(data []byte) (string, error)
	// InstallPending promotes the staged upload registered under digest and returns its length.
	InstallPending(digest string) (int64, error)
	// HasDigest reports whether the blob store already holds digest.
	HasDigest(digest string) bool
	// Load returns the stored bytes of digest.
	Load(digest string) ([]byte, error)
}

// AncestorLookup returns the stored metadata of name in the nearest ancestor revision that defines
// it, or false.
type AncestorLookup func(name string) (map[string]any, bool)

// Process turns the "_attachments" map of an incoming revision into its stored stub form. Inline
// bytes and staged uploads are installed through sink, stubs are resolved through ancestors.
// revpos 0 becomes generation; a revpos above generation is rejected. The input map is not
// modified.
func Process(attachments map[string]any, generation uint32, ancestors AncestorLookup, sink Sink) (map[string]any, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	parsed, err := Parse(attachments)
	if err != nil {
		return nil, err
	}
	stored := make(map[string]any, len(parsed))
	for _, attachment := range parsed {
		if attachment.RevPos > generation {
			return nil, status.New(opProcess, "revpos_in_future", status.ErrBadAttachment,
				fmt.Errorf("%s: revpos %d > generation %d", attachment.Name, attachment.RevPos, generation))
		}
		switch attachment.State {
		case StateInline:
			if err := installInline(attachment, sink); err != nil {
				return nil, err
			}
		case StateFollows:
			if err := installFollowing(attachment, sink); err != nil {
				return nil, err
			}
		case StateStub:
			resolved, err := resolveStub(attachment, ancestors, sink)
			if err != nil {
				return nil, err
			}
			stored[attachment.Name] = resolved
			continue
		}
		if attachment.RevPos == 0 {
			attachment.RevPos = generation
		}
		stored[attachment.Name] = attachment.StubMetadata()
	}
	return stored, nil
}

func installInline(attachment *Attachment, sink Sink) error {
	digest, err := sink.StoreInline(attachment.Data)
	if err != nil {
		return status.New(opProcess, "store_inline_failed", status.ErrAttachmentError, err)
	}
	if attachment.Digest != "" && attachment.Digest != digest {
		return status.New(opProcess, "digest_mismatch", status.ErrBadAttachment,
			fmt.Errorf("%s: declared %s, computed %s", attachment.Name, attachment.Digest, digest))
	}
	attachment.Digest = digest
	if attachment.Encoding == EncodingGzip {
		attachment.EncodedLength = int64(len(attachment.Data))
		if attachment.Length == 0 {
			length, err := decodedLength(attachment.Data)
			if err != nil {
				return status.New(opProcess, "invalid_gzip", status.ErrBadAttachment, err)
			}
			attachment.Length = length
		}
	} else {
		attachment.Length = int64(len(attachment.Data))
	}
	attachment.Data = nil
	attachment.State = StateStub
	return nil
}

func installFollowing(attachment *Attachment, sink Sink) error {
	if attachment.Digest == "" {
		return status.New(opProcess, "follows_without_digest", status.ErrBadAttachment, fmt.Errorf("%s", attachment.Name))
	}
	length, err := sink.InstallPending(attachment.Digest)
	if errors.Is(err, ErrNoPendingWriter) {
		if !sink.HasDigest(attachment.Digest) {
			return status.New(opProcess, "no_pending_writer", status.ErrBadAttachment, fmt.Errorf("%s: %s", attachment.Name, attachment.Digest))
		}
		stored, loadErr := sink.Load(attachment.Digest)
		if loadErr != nil {
			return status.New(opProcess, "load_failed", status.ErrAttachmentError, loadErr)
		}
		length, err = int64(len(stored)), nil
	}
	if err != nil {
		return status.New(opProcess, "install_failed", status.ErrAttachmentError, err)
	}
	if attachment.Encoding != EncodingGzip {
		attachment.Length = length
		attachment.State = StateStub
		return nil
	}
	attachment.EncodedLength = length
	if attachment.Length == 0 {
		encoded, err := sink.Load(attachment.Digest)
		if err != nil {
			return status.New(opProcess, "load_failed", status.ErrAttachmentError, err)
		}
		decoded, err := decodedLength(encoded)
		if err != nil {
			return status.New(opProcess, "invalid_gzip", status.ErrBadAttachment, fmt.Errorf("%s: %w", attachment.Name, err))
		}
		attachment.Length = decoded
	}
	attachment.State = StateStub
	return nil
}

func resolveStub(attachment *Attachment, ancestors AncestorLookup, sink Sink) (map[string]any, error) {
	if ancestors != nil {
		if metadata, found := ancestors(attachment.Name); found {
			inherited, err := FromMetadata(attachment.Name, metadata)
			if err != nil {
				return nil, err
			}
			if attachment.Digest == "" || attachment.Digest == inherited.Digest {
				return inherited.StubMetadata(), nil
			}
		}
	}
	if attachment.Digest != "" && sink.HasDigest(attachment.Digest) {
		if attachment.RevPos == 0 {
			return nil, status.New(opProcess, "stub_without_revpos", status.ErrBadAttachment, fmt.Errorf("%s", attachment.Name))
		}
		return attachment.StubMetadata(), nil
	}
	return nil, status.New(opProcess, "missing_stub_ancestor", status.ErrBadAttachment, fmt.Errorf("%s", attachment.Name))
}

func decodedLength(encoded []byte) (int64, error) {
	reader, err := gzip.NewReader(bytes.NewReader(encoded))
	if err != nil {
		return 0, err
	}
	defer reader.Close()
	return io.Copy(io.Discard, reader)
}
