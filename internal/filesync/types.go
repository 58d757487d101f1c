// Package filesync reconciles the sandbox scratch filesystem with the durable
// backend file store. Changes arrive in bursts from the change detector, are
// debounced into batches, and flushed one batch at a time.
package filesync

import (
	"context"
	"errors"
)

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// FileChange is one observed mutation of the sandbox filesystem. Paths are
// absolute, '/'-rooted. Ordering within a batch is best-effort: a file may
// arrive before the directory that contains it.
type FileChange struct {
	Path        string     `json:"path"`
	Type        ChangeType `json:"type"`
	IsDirectory bool       `json:"isDirectory"`
}

// Record mirrors the durable backend record of a file or folder. Identity is
// ID; Path is the reconciler's lookup key.
type Record struct {
	ID       string
	Path     string
	Name     string
	IsFolder bool
	ParentID string
}

// CreateRequest carries a create call to the backend. Path is sent without a
// leading '/' (the cache keys carry one).
type CreateRequest struct {
	Name     string
	Path     string
	IsFolder bool
	Content  []byte
	ParentID string
}

// ErrConflict is returned by Backend.Create when the path already exists.
var ErrConflict = errors.New("path already exists")

// Backend is the durable file store the reconciler writes through to.
type Backend interface {
	List(ctx context.Context, projectID string) ([]Record, error)
	Create(ctx context.Context, projectID string, req CreateRequest) (Record, error)
	Update(ctx context.Context, id string, content []byte) error
	Delete(ctx context.Context, id string) error
}

// SandboxFS is the read side of the ephemeral sandbox filesystem.
type SandboxFS interface {
	ReadFile(path string) ([]byte, error)
}

// Callbacks are invoked around flush cycles. All are optional and must not
// block; errors never propagate as panics across this boundary.
type Callbacks struct {
	OnSyncStart    func()
	OnSyncComplete func(synced int)
	OnSyncError    func(err error)
}
