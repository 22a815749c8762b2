package revision

// Revision is an immutable snapshot of a document at one point in its history.
type Revision struct {
	DocID    string
	ID       ID
	ParentID ID
	Sequence uint64
	Deleted  bool
	// Missing marks a placeholder for an ancestor known only by ID.
	Missing bool
	Body    Body
}

// Generation returns the generation of the revision ID.
func (rev *Revision) Generation() uint32 {
	if rev == nil {
		return 0
	}
	return rev.ID.Generation
}

// Properties returns the body extended with _id, _rev and, for deletions, _deleted.
func (rev *Revision) Properties() map[string]any {
	if rev == nil {
		return nil
	}
	properties := make(map[string]any, len(rev.Body)+3)
	for key, value := range rev.Body {
		properties[key] = value
	}
	properties[KeyID] = rev.DocID
	properties[KeyRev] = rev.ID.String()
	if rev.Deleted {
		properties[KeyDeleted] = true
	}
	return properties
}

// Property returns one body value.
func (rev *Revision) Property(key string) any {
	if rev == nil || rev.Body == nil {
		return nil
	}
	return rev.Body[key]
}

// WithBody returns a copy of the revision carrying a different body. Identity is unchanged.
func (rev *Revision) WithBody(body Body) *Revision {
	copied := *rev
	copied.Body = body
	return &copied
}
