package attachments

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/MarcoPoloResearchLab/revdb/internal/status"
)

const (
	opExpand = "attachments.expand"

	// DefaultInlineLimit is the size from which expanded attachments are sent as follows.
	DefaultInlineLimit int64 = 2048
)

// ContentLoader returns the stored (still encoded) bytes of an attachment.
type ContentLoader func(attachment *Attachment) ([]byte, error)

// ExpandOptions controls Expand.
type ExpandOptions struct {
	// MinRevPos: attachments with a lower revpos stay stubs.
	MinRevPos uint32
	// AllowFollows sends attachments of at least InlineLimit bytes as follows.
	AllowFollows bool
	// Decode gunzips encoded attachments before inlining them.
	Decode      bool
	InlineLimit int64
}

// Expand returns a new "_attachments" map for serving a revision. Each attachment is a stub, inline
// base64 data or a follows marker, never more than one.
func Expand(attachments map[string]any, options ExpandOptions, load ContentLoader) (map[string]any, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	limit := options.InlineLimit
	if limit <= 0 {
		limit = DefaultInlineLimit
	}
	parsed, err := Parse(attachments)
	if err != nil {
		return nil, err
	}
	expanded := make(map[string]any, len(parsed))
	for _, attachment := range parsed {
		if attachment.RevPos < options.MinRevPos {
			expanded[attachment.Name] = attachment.StubMetadata()
			continue
		}
		if options.AllowFollows && attachment.StoredLength() >= limit && !options.Decode {
			expanded[attachment.Name] = attachment.FollowsMetadata()
			continue
		}
		data, err := load(attachment)
		if err != nil {
			return nil, status.New(opExpand, "load_failed", status.ErrAttachmentError, err)
		}
		if options.Decode && attachment.Encoding == EncodingGzip {
			decoded, err := Decode(data)
			if err != nil {
				return nil, status.New(opExpand, "decode_failed", status.ErrAttachmentError, err)
			}
			plain := *attachment
			plain.Encoding = EncodingNone
			plain.EncodedLength = 0
			plain.Length = int64(len(decoded))
			expanded[attachment.Name] = plain.InlineMetadata(decoded)
			continue
		}
		expanded[attachment.Name] = attachment.InlineMetadata(data)
	}
	return expanded, nil
}

// Collapse turns every entry back into its stub form. Collapse(Expand(m)) equals the stub form of m
// for any options without Decode.
func Collapse(attachments map[string]any) (map[string]any, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	parsed, err := Parse(attachments)
	if err != nil {
		return nil, err
	}
	collapsed := make(map[string]any, len(parsed))
	for _, attachment := range parsed {
		collapsed[attachment.Name] = attachment.StubMetadata()
	}
	return collapsed, nil
}

// StubOut replaces entries with a revpos below minRevPos by stubs. With attachmentsFollow, the
// remaining non-stub entries are switched to follows markers.
func StubOut(attachments map[string]any, minRevPos uint32, attachmentsFollow bool) (map[string]any, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	parsed, err := Parse(attachments)
	if err != nil {
		return nil, err
	}
	result := make(map[string]any, len(parsed))
	for _, attachment := range parsed {
		switch {
		case attachment.RevPos < minRevPos:
			result[attachment.Name] = attachment.StubMetadata()
		case attachmentsFollow && attachment.State != StateStub:
			result[attachment.Name] = attachment.FollowsMetadata()
		default:
			result[attachment.Name] = attachments[attachment.Name]
		}
	}
	return result, nil
}

// Decode gunzips encoded attachment bytes.
func Decode(encoded []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
