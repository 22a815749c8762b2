package revision

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidBody indicates a document body with a forbidden top-level key or unencodable content.
var ErrInvalidBody = errors.New("revision: invalid body")

const (
	// KeyAttachments is the reserved top-level key holding attachment metadata.
	KeyAttachments = "_attachments"
	// KeyDeleted marks a deletion request in incoming properties.
	KeyDeleted = "_deleted"
	// KeyID and KeyRev are added to bodies served to callers.
	KeyID  = "_id"
	KeyRev = "_rev"
)

// keys silently dropped from incoming bodies
var specialKeysToRemove = map[string]struct{}{
	"_id":                {},
	"_rev":               {},
	"_deleted":           {},
	"_revisions":         {},
	"_revs_info":         {},
	"_conflicts":         {},
	"_deleted_conflicts": {},
	"_local_seq":         {},
}

// reserved keys that are stored with the body
var specialKeysToLeave = map[string]struct{}{
	"_removed":     {},
	"_attachments": {},
}

// Body is the JSON property map of one revision as stored, without _id and _rev.
type Body map[string]any

// StripBody copies properties, dropping bookkeeping keys and rejecting unknown "_" keys.
func StripBody(properties map[string]any) (Body, error) {
	body := make(Body, len(properties))
	for key, value := range properties {
		if !strings.HasPrefix(key, "_") {
			body[key] = value
			continue
		}
		if _, keep := specialKeysToLeave[key]; keep {
			body[key] = value
			continue
		}
		if _, drop := specialKeysToRemove[key]; drop {
			continue
		}
		return nil, fmt.Errorf("%w: top-level key %q", ErrInvalidBody, key)
	}
	return body, nil
}

// IsDeletion reports whether incoming properties request a deletion.
func IsDeletion(properties map[string]any) bool {
	if properties == nil {
		return true
	}
	deleted, ok := properties[KeyDeleted].(bool)
	return ok && deleted
}

// Canonical encodes the body with sorted keys, no insignificant whitespace and no HTML escaping.
func (body Body) Canonical() ([]byte, error) {
	if body == nil {
		return []byte("{}"), nil
	}
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(map[string]any(body)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return bytes.TrimRight(buffer.Bytes(), "\n"), nil
}

// DecodeBody parses stored JSON, keeping numbers exact.
func DecodeBody(raw []byte) (Body, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var body Body
	if err := decoder.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return body, nil
}

// Attachments returns the _attachments map, or nil.
func (body Body) Attachments() map[string]any {
	if body == nil {
		return nil
	}
	attachments, _ := body[KeyAttachments].(map[string]any)
	return attachments
}

// WithAttachments returns a shallow copy of body whose _attachments entry is replaced. A nil or
// empty map removes the key.
func (body Body) WithAttachments(attachments map[string]any) Body {
	copied := body.Clone()
	if copied == nil {
		copied = Body{}
	}
	if len(attachments) == 0 {
		delete(copied, KeyAttachments)
		return copied
	}
	copied[KeyAttachments] = attachments
	return copied
}

// Clone returns a copy of the top-level map. Nested values are shared.
func (body Body) Clone() Body {
	if body == nil {
		return nil
	}
	copied := make(Body, len(body))
	for key, value := range body {
		copied[key] = value
	}
	return copied
}
