package sqlstore

// RevisionRecord is one row of the revisions table. Seq is assigned from the info counter so that
// sequences are never reused after pruning.
type RevisionRecord struct {
	Seq         uint64 `gorm:"column:seq;primaryKey;autoIncrement:false"`
	DocID       string `gorm:"column:doc_id;size:190;not null;uniqueIndex:idx_revisions_doc_rev,priority:1;index:idx_revisions_doc_parent,priority:1"`
	RevID       string `gorm:"column:rev_id;size:190;not null;uniqueIndex:idx_revisions_doc_rev,priority:2"`
	ParentRevID string `gorm:"column:parent_rev_id;size:190;not null;default:'';index:idx_revisions_doc_parent,priority:2"`
	IsCurrent   bool   `gorm:"column:is_current;not null;index"`
	Deleted     bool   `gorm:"column:deleted;not null"`
	Missing     bool   `gorm:"column:missing;not null"`
	Body        []byte `gorm:"column:body"`
}

// TableName pins the revisions table name.
func (RevisionRecord) TableName() string {
	return "revisions"
}

// DocumentRecord mirrors storage.DocumentRow.
type DocumentRecord struct {
	DocID        string `gorm:"column:doc_id;primaryKey;size:190"`
	WinningRevID string `gorm:"column:winning_rev_id;size:190;not null"`
	Deleted      bool   `gorm:"column:deleted;not null;index"`
	Conflicted   bool   `gorm:"column:conflicted;not null"`
}

// TableName pins the documents table name.
func (DocumentRecord) TableName() string {
	return "documents"
}

// InfoRecord is a small key/value pair.
type InfoRecord struct {
	Key   string `gorm:"column:info_key;primaryKey;size:190"`
	Value string `gorm:"column:info_value;type:text;not null"`
}

// TableName pins the info table name.
func (InfoRecord) TableName() string {
	return "info"
}

// Models lists the tables the engine needs, for schema migration.
func Models() []any {
	return []any{&RevisionRecord{}, &DocumentRecord{}, &InfoRecord{}}
}
