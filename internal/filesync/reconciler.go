package filesync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"sync"
	"time"

	"mosaic/sync/internal/metrics"
)

const (
	defaultDebounce  = 1000 * time.Millisecond
	defaultOpTimeout = 30 * time.Second
)

// Options configure a Reconciler. Backend and Sandbox are required.
type Options struct {
	ProjectID string
	Backend   Backend
	Sandbox   SandboxFS

	// Debounce is how long the reconciler waits after the last queued burst
	// before flushing. Defaults to one second.
	Debounce time.Duration

	// OpTimeout bounds every individual backend call so a hung backend cannot
	// wedge the flush loop. Defaults to 30 seconds.
	OpTimeout time.Duration

	Callbacks Callbacks
}

// Reconciler keeps the sandbox filesystem and the backend file store
// consistent. It owns the path→record cache for its project; nothing else
// mutates it. One flush runs at a time; a flush requested while another is in
// flight is deferred, never interleaved.
type Reconciler struct {
	projectID string
	backend   Backend
	sandbox   SandboxFS
	debounce  time.Duration
	opTimeout time.Duration
	callbacks Callbacks

	mu       sync.Mutex
	cache    map[string]Record
	pending  []FileChange
	timer    *time.Timer
	inFlight bool
	followUp bool
}

func NewReconciler(opts Options) *Reconciler {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	opTimeout := opts.OpTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	return &Reconciler{
		projectID: opts.ProjectID,
		backend:   opts.Backend,
		sandbox:   opts.Sandbox,
		debounce:  debounce,
		opTimeout: opTimeout,
		callbacks: opts.Callbacks,
		cache:     make(map[string]Record),
	}
}

// Initialize loads all backend records for the project and rebuilds the
// path→record cache. Must be called before any sync activity. On failure the
// cache is left empty and the error is reported through OnSyncError;
// subsequent flushes behave as if every file is new.
func (r *Reconciler) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	records, err := r.backend.List(ctx, r.projectID)
	if err != nil {
		r.mu.Lock()
		r.cache = make(map[string]Record)
		r.mu.Unlock()
		r.reportError(fmt.Errorf("initialize file cache: %w", err))
		return err
	}

	cache := make(map[string]Record, len(records))
	for _, rec := range records {
		cache[normalizePath(rec.Path)] = rec
	}

	r.mu.Lock()
	r.cache = cache
	r.mu.Unlock()
	return nil
}

// QueueChanges appends changes to the pending buffer and restarts the
// debounce timer. Multiple bursts within the window coalesce into one flush.
// An empty batch is a no-op and never arms the timer.
func (r *Reconciler) QueueChanges(changes []FileChange) {
	if len(changes) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = append(r.pending, changes...)
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, func() {
		r.flush(context.Background())
	})
}

// ForceSyncNow cancels any pending debounce timer and flushes immediately.
// Used before navigation or teardown.
func (r *Reconciler) ForceSyncNow(ctx context.Context) {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
	r.flush(ctx)
}

// SyncInProgress reports whether a flush is currently running.
func (r *Reconciler) SyncInProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

// PendingCount returns the number of buffered, not-yet-flushed changes.
func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// ClearPending drops all buffered changes and cancels the debounce timer.
func (r *Reconciler) ClearPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// CachedRecord returns the cached record for a normalized path, if any.
func (r *Reconciler) CachedRecord(p string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.cache[normalizePath(p)]
	return rec, ok
}

// flush drains the pending buffer and applies it to the backend. Directory
// changes go first so files never race their parents. Each change is isolated:
// one failure is logged and skipped, it never aborts the batch.
func (r *Reconciler) flush(ctx context.Context) {
	r.mu.Lock()
	if r.inFlight {
		r.followUp = true
		r.timer = nil
		r.mu.Unlock()
		return
	}
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.pending
	r.pending = nil
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.inFlight = true
	r.mu.Unlock()

	start := time.Now()
	result := "ok"

	defer func() {
		metrics.RecordFlush(result, time.Since(start))

		r.mu.Lock()
		r.inFlight = false
		again := r.followUp || len(r.pending) > 0
		r.followUp = false
		if again && r.timer == nil {
			r.timer = time.AfterFunc(r.debounce, func() {
				r.flush(context.Background())
			})
		}
		r.mu.Unlock()
	}()

	if r.callbacks.OnSyncStart != nil {
		r.callbacks.OnSyncStart()
	}

	dirs, files := partition(batch)
	synced := 0

	for _, change := range dirs {
		if err := ctx.Err(); err != nil {
			result = "error"
			r.reportError(fmt.Errorf("flush aborted: %w", err))
			return
		}
		if err := r.applyDirChange(ctx, change); err != nil {
			log.Printf("filesync: dir %s %s: %v", change.Type, change.Path, err)
			metrics.RecordChange(string(change.Type), "error")
			continue
		}
		metrics.RecordChange(string(change.Type), "ok")
		synced++
	}

	for _, change := range files {
		if err := ctx.Err(); err != nil {
			result = "error"
			r.reportError(fmt.Errorf("flush aborted: %w", err))
			return
		}
		if err := r.applyFileChange(ctx, change); err != nil {
			log.Printf("filesync: file %s %s: %v", change.Type, change.Path, err)
			metrics.RecordChange(string(change.Type), "error")
			continue
		}
		metrics.RecordChange(string(change.Type), "ok")
		synced++
	}

	if r.callbacks.OnSyncComplete != nil {
		r.callbacks.OnSyncComplete(synced)
	}
}

func (r *Reconciler) applyDirChange(ctx context.Context, change FileChange) error {
	p := normalizePath(change.Path)
	switch change.Type {
	case ChangeAdded, ChangeModified:
		_, err := r.ensureDir(ctx, p)
		return err
	case ChangeDeleted:
		rec, ok := r.lookup(p)
		if !ok {
			// Already absent, or the create never succeeded.
			return nil
		}
		if err := r.backendDelete(ctx, rec.ID); err != nil {
			return err
		}
		r.evictPrefix(p)
		return nil
	default:
		return fmt.Errorf("unknown change type %q", change.Type)
	}
}

func (r *Reconciler) applyFileChange(ctx context.Context, change FileChange) error {
	p := normalizePath(change.Path)
	switch change.Type {
	case ChangeAdded, ChangeModified:
		return r.upsertFile(ctx, p)
	case ChangeDeleted:
		rec, ok := r.lookup(p)
		if !ok {
			return nil
		}
		if err := r.backendDelete(ctx, rec.ID); err != nil {
			return err
		}
		r.evict(p)
		return nil
	default:
		return fmt.Errorf("unknown change type %q", change.Type)
	}
}

// upsertFile reads the current sandbox content and creates or updates the
// backend record. A create that conflicts triggers one cache refresh followed
// by one retry as an update; if the path still does not resolve, the change is
// abandoned for this cycle.
func (r *Reconciler) upsertFile(ctx context.Context, p string) error {
	content, err := r.sandbox.ReadFile(p)
	if err != nil {
		return fmt.Errorf("read sandbox file: %w", err)
	}

	if rec, ok := r.lookup(p); ok {
		if err := r.backendUpdate(ctx, rec.ID, content); err != nil {
			return fmt.Errorf("update %s: %w", p, err)
		}
		return nil
	}

	parent, err := r.ensureDir(ctx, path.Dir(p))
	if err != nil {
		return fmt.Errorf("ensure parent of %s: %w", p, err)
	}

	rec, err := r.backendCreate(ctx, CreateRequest{
		Name:     path.Base(p),
		Path:     strings.TrimPrefix(p, "/"),
		IsFolder: false,
		Content:  content,
		ParentID: parent.ID,
	})
	if err == nil {
		r.put(p, rec)
		return nil
	}
	if !errors.Is(err, ErrConflict) {
		return fmt.Errorf("create %s: %w", p, err)
	}

	// Someone else created it first. Refresh the cache once and retry as an
	// update against the now-known record.
	metrics.RecordConflictRetry()
	if err := r.Initialize(ctx); err != nil {
		return fmt.Errorf("refresh cache after conflict on %s: %w", p, err)
	}
	rec, ok := r.lookup(p)
	if !ok {
		log.Printf("filesync: conflict on %s did not resolve after refresh, dropping", p)
		return nil
	}
	if err := r.backendUpdate(ctx, rec.ID, content); err != nil {
		return fmt.Errorf("retry update %s: %w", p, err)
	}
	return nil
}

// ensureDir resolves the record for a directory path, creating the missing
// ancestor chain segment by segment. The sandbox root itself has no record.
func (r *Reconciler) ensureDir(ctx context.Context, p string) (Record, error) {
	p = normalizePath(p)
	if p == "/" {
		return Record{}, nil
	}
	if rec, ok := r.lookup(p); ok {
		if !rec.IsFolder {
			return Record{}, fmt.Errorf("%s exists and is not a folder", p)
		}
		return rec, nil
	}

	parent, err := r.ensureDir(ctx, path.Dir(p))
	if err != nil {
		return Record{}, err
	}

	rec, err := r.backendCreate(ctx, CreateRequest{
		Name:     path.Base(p),
		Path:     strings.TrimPrefix(p, "/"),
		IsFolder: true,
		ParentID: parent.ID,
	})
	if err == nil {
		r.put(p, rec)
		return rec, nil
	}
	if !errors.Is(err, ErrConflict) {
		return Record{}, fmt.Errorf("create dir %s: %w", p, err)
	}

	metrics.RecordConflictRetry()
	if err := r.Initialize(ctx); err != nil {
		return Record{}, fmt.Errorf("refresh cache after dir conflict on %s: %w", p, err)
	}
	rec, ok := r.lookup(p)
	if !ok {
		return Record{}, fmt.Errorf("dir conflict on %s did not resolve after refresh", p)
	}
	return rec, nil
}

func (r *Reconciler) backendCreate(ctx context.Context, req CreateRequest) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	return r.backend.Create(ctx, r.projectID, req)
}

func (r *Reconciler) backendUpdate(ctx context.Context, id string, content []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	return r.backend.Update(ctx, id, content)
}

func (r *Reconciler) backendDelete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	return r.backend.Delete(ctx, id)
}

func (r *Reconciler) lookup(p string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.cache[p]
	return rec, ok
}

func (r *Reconciler) put(p string, rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[p] = rec
}

func (r *Reconciler) evict(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, p)
}

// evictPrefix removes a directory entry and every cached descendant. A stale
// nested entry would otherwise make a later create under the same path assume
// the record still exists.
func (r *Reconciler) evictPrefix(p string) {
	prefix := strings.TrimSuffix(p, "/") + "/"
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, p)
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
}

func (r *Reconciler) reportError(err error) {
	if r.callbacks.OnSyncError != nil {
		r.callbacks.OnSyncError(err)
		return
	}
	log.Printf("filesync: %v", err)
}

// partition splits a batch into directory changes and file changes, keeping
// relative order within each group.
func partition(batch []FileChange) (dirs, files []FileChange) {
	for _, change := range batch {
		if change.IsDirectory {
			dirs = append(dirs, change)
		} else {
			files = append(files, change)
		}
	}
	return dirs, files
}

// normalizePath cleans a path and guarantees a single leading '/'.
func normalizePath(p string) string {
	p = path.Clean("/" + strings.TrimPrefix(p, "/"))
	return p
}
