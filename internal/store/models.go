package store

import (
	"encoding/json"
	"time"
)

// FileRecord is the durable backend record of one project file or folder.
// Identity is ID; Path is a derived lookup key, unique per project.
type FileRecord struct {
	ID        string
	ProjectID string
	Path      string
	Name      string
	IsFolder  bool
	ParentID  string
	BlobKey   string
	UpdatedAt time.Time
}

// CreateFile carries the fields for inserting a new file record.
// Content is stored inline unless the caller offloads it to the blob store,
// in which case BlobKey is set and Content left empty.
type CreateFile struct {
	ProjectID string
	Path      string
	Name      string
	IsFolder  bool
	ParentID  string
	Content   []byte
	BlobKey   string
}

// DocumentSnapshot is the durable state of one shared document: the component
// sequence under "content" and free-form metadata under "root".
type DocumentSnapshot struct {
	DocumentID string
	ProjectID  string
	Content    json.RawMessage
	Root       json.RawMessage
	UpdatedBy  string
	UpdatedAt  time.Time
}
