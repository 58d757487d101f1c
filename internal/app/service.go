package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mosaic/sync/internal/blob"
	"mosaic/sync/internal/collab"
	"mosaic/sync/internal/events"
	"mosaic/sync/internal/filesync"
	"mosaic/sync/internal/history"
	"mosaic/sync/internal/metrics"
	"mosaic/sync/internal/sandbox"
	"mosaic/sync/internal/search"
	"mosaic/sync/internal/store"
	"mosaic/sync/internal/watcher"
)

// dataStore is the slice of the Postgres store the service needs. Narrowed to
// an interface so tests can substitute a fake.
type dataStore interface {
	Ping(ctx context.Context) error
	ListFiles(ctx context.Context, projectID string) ([]store.FileRecord, error)
	GetFile(ctx context.Context, id string) (store.FileRecord, error)
	InsertFile(ctx context.Context, id string, in store.CreateFile) (store.FileRecord, error)
	UpdateFileContent(ctx context.Context, id string, content []byte, blobKey string) error
	GetFileContent(ctx context.Context, id string) ([]byte, string, error)
	DeleteFileTree(ctx context.Context, id string) ([]store.FileRecord, error)
	GetSnapshot(ctx context.Context, documentID string) (store.DocumentSnapshot, error)
	SaveSnapshot(ctx context.Context, snap store.DocumentSnapshot) error
}

// Options wire the service's collaborators. Store, Relay and Sandbox are
// required; Search, Blobs and History degrade gracefully when nil.
type Options struct {
	Store   dataStore
	Search  *search.Service
	Blobs   blob.Store
	History *history.Service
	Relay   collab.Relay
	Sandbox *sandbox.Manager

	SyncToken string

	SyncDebounce   time.Duration
	BackendTimeout time.Duration

	PresenceHeartbeat time.Duration
	PresenceTTL       time.Duration
}

// Service is the application core: it owns one reconciler per active project
// and one collaboration session per joined client.
type Service struct {
	store     dataStore
	search    *search.Service
	blobs     blob.Store
	history   *history.Service
	relay     collab.Relay
	sandboxes *sandbox.Manager
	events    *events.Broadcaster

	syncToken string

	debounce    time.Duration
	opTimeout   time.Duration
	heartbeat   time.Duration
	presenceTTL time.Duration

	mu       sync.Mutex
	handle   *sandbox.Handle
	projects map[string]*filesync.Reconciler
	watchers map[string]watcher.Detector
	sessions map[string]*session
}

// session is one joined client's view of a collaboration room.
type session struct {
	channel    *collab.Channel
	projectID  string
	documentID string
	userID     string
}

func NewService(opts Options) *Service {
	return &Service{
		store:       opts.Store,
		search:      opts.Search,
		blobs:       opts.Blobs,
		history:     opts.History,
		relay:       opts.Relay,
		sandboxes:   opts.Sandbox,
		events:      events.NewBroadcaster(),
		syncToken:   opts.SyncToken,
		debounce:    opts.SyncDebounce,
		opTimeout:   opts.BackendTimeout,
		heartbeat:   opts.PresenceHeartbeat,
		presenceTTL: opts.PresenceTTL,
		projects:    make(map[string]*filesync.Reconciler),
		watchers:    make(map[string]watcher.Detector),
		sessions:    make(map[string]*session),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SyncToken() string {
	return s.syncToken
}

// Events exposes the activity stream broadcaster for the SSE endpoint.
func (s *Service) Events() *events.Broadcaster {
	return s.events
}

// SandboxSupported reports whether the host can run the scratch runtime.
func (s *Service) SandboxSupported() bool {
	return s.sandboxes.Supported()
}

// Start boots the sandbox runtime. An unsupported host is not fatal to the
// process: collaboration and search keep working, file sync endpoints return
// errors until the environment changes.
func (s *Service) Start(ctx context.Context) error {
	handle, err := s.sandboxes.Acquire(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
	log.Printf("app: sandbox %s ready at %s", handle.ID, handle.Root)
	return nil
}

// Close tears down all sessions and the sandbox runtime.
func (s *Service) Close() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session)
	watchers := make([]watcher.Detector, 0, len(s.watchers))
	for _, det := range s.watchers {
		watchers = append(watchers, det)
	}
	s.watchers = make(map[string]watcher.Detector)
	s.mu.Unlock()

	for _, det := range watchers {
		_ = det.Close()
	}
	for _, sess := range sessions {
		sess.channel.Destroy()
	}
	metrics.SetRoomsActive(0)
	s.sandboxes.Teardown()
}

// reconcilerFor returns the project's reconciler, creating and initializing it
// on first use. Creation requires a booted sandbox.
func (s *Service) reconcilerFor(ctx context.Context, projectID string) (*filesync.Reconciler, error) {
	s.mu.Lock()
	if rec, ok := s.projects[projectID]; ok {
		s.mu.Unlock()
		return rec, nil
	}
	handle := s.handle
	s.mu.Unlock()

	if handle == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SANDBOX_UNAVAILABLE", "Sandbox runtime is not running", nil)
	}

	scratch := filepath.Join(handle.Root, projectID)
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch dir for %s: %w", projectID, err)
	}

	rec := filesync.NewReconciler(filesync.Options{
		ProjectID: projectID,
		Backend: &fileBackend{
			store:  s.store,
			blobs:  s.blobs,
			search: s.search,
		},
		Sandbox:   scratchFS{root: scratch},
		Debounce:  s.debounce,
		OpTimeout: s.opTimeout,
		Callbacks: filesync.Callbacks{
			OnSyncStart: func() {
				s.events.Publish(events.Event{Type: events.EventSyncStarted, ProjectID: projectID})
			},
			OnSyncComplete: func(synced int) {
				s.events.Publish(events.Event{Type: events.EventSyncCompleted, ProjectID: projectID, Synced: synced})
			},
			OnSyncError: func(err error) {
				log.Printf("app: sync error in %s: %v", projectID, err)
				s.events.Publish(events.Event{Type: events.EventSyncError, ProjectID: projectID, Error: err.Error()})
			},
		},
	})

	if err := rec.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize reconciler for %s: %w", projectID, err)
	}

	s.mu.Lock()
	// Another request may have won the race; keep the first one.
	if existing, ok := s.projects[projectID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.projects[projectID] = rec
	s.mu.Unlock()

	// Watch the scratch tree so changes made inside the sandbox flow into the
	// reconciler without a client report. Hosts without inotify still sync
	// through the changes endpoint.
	if det, err := watcher.New(scratch); err != nil {
		log.Printf("app: watch scratch dir for %s: %v", projectID, err)
	} else {
		s.mu.Lock()
		s.watchers[projectID] = det
		s.mu.Unlock()
		go func() {
			for batch := range det.Changes() {
				rec.QueueChanges(batch)
			}
		}()
	}
	return rec, nil
}

// QueueChanges hands a batch of observed changes to the project's reconciler.
func (s *Service) QueueChanges(ctx context.Context, projectID string, changes []filesync.FileChange) error {
	rec, err := s.reconcilerFor(ctx, projectID)
	if err != nil {
		return err
	}
	rec.QueueChanges(changes)
	return nil
}

// ForceSync flushes the project's pending changes immediately.
func (s *Service) ForceSync(ctx context.Context, projectID string) error {
	rec, err := s.reconcilerFor(ctx, projectID)
	if err != nil {
		return err
	}
	rec.ForceSyncNow(ctx)
	return nil
}

// SyncStatus describes a project's reconciler state.
type SyncStatus struct {
	InProgress bool `json:"inProgress"`
	Pending    int  `json:"pending"`
}

func (s *Service) SyncStatus(projectID string) SyncStatus {
	s.mu.Lock()
	rec, ok := s.projects[projectID]
	s.mu.Unlock()
	if !ok {
		return SyncStatus{}
	}
	return SyncStatus{
		InProgress: rec.SyncInProgress(),
		Pending:    rec.PendingCount(),
	}
}

// ClearPending drops a project's buffered changes.
func (s *Service) ClearPending(projectID string) {
	s.mu.Lock()
	rec, ok := s.projects[projectID]
	s.mu.Unlock()
	if ok {
		rec.ClearPending()
	}
}

func (s *Service) ListFiles(ctx context.Context, projectID string) ([]store.FileRecord, error) {
	return s.store.ListFiles(ctx, projectID)
}

// FileContent returns a file's content, following the blob key when the
// content was offloaded to object storage.
func (s *Service) FileContent(ctx context.Context, id string) ([]byte, error) {
	content, blobKey, err := s.store.GetFileContent(ctx, id)
	if err != nil {
		return nil, err
	}
	if blobKey != "" && s.blobs != nil {
		return s.blobs.Get(ctx, blobKey)
	}
	return content, nil
}

// JoinResult is returned to a client entering a collaboration room.
type JoinResult struct {
	SessionID string                 `json:"sessionId"`
	Room      string                 `json:"room"`
	Users     []collab.PresenceState `json:"users"`
	Data      *collab.Data           `json:"data"`
}

// JoinRoom opens a collaboration session for one client. The replica is
// seeded from the durable snapshot when the room carries no state yet.
func (s *Service) JoinRoom(ctx context.Context, projectID, documentID, userID, displayName string) (JoinResult, error) {
	channel, err := collab.NewChannel(collab.Options{
		ProjectID:   projectID,
		DocumentID:  documentID,
		UserID:      userID,
		DisplayName: displayName,
		Relay:       s.relay,
		Heartbeat:   s.heartbeat,
		PresenceTTL: s.presenceTTL,
		Callbacks: collab.Callbacks{
			OnUsersChange: func(users []collab.PresenceState) {
				s.events.Publish(events.Event{
					Type:       events.EventPresence,
					ProjectID:  projectID,
					DocumentID: documentID,
					Users:      len(users),
				})
			},
		},
	})
	if err != nil {
		return JoinResult{}, err
	}

	if snap, err := s.store.GetSnapshot(ctx, documentID); err == nil {
		channel.InitializeIfEmpty(collab.Data{Content: snap.Content, Root: snap.Root})
	}

	sess := &session{
		channel:    channel,
		projectID:  projectID,
		documentID: documentID,
		userID:     userID,
	}
	s.mu.Lock()
	s.sessions[channel.SessionID()] = sess
	metrics.SetRoomsActive(s.roomCountLocked())
	s.mu.Unlock()

	return JoinResult{
		SessionID: channel.SessionID(),
		Room:      channel.Room(),
		Users:     channel.Users(),
		Data:      channel.GetData(),
	}, nil
}

// LeaveRoom ends a collaboration session. Unknown sessions are a no-op.
func (s *Service) LeaveRoom(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	metrics.SetRoomsActive(s.roomCountLocked())
	s.mu.Unlock()
	if ok {
		sess.channel.Destroy()
	}
}

func (s *Service) sessionByID(sessionID string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, domainError(http.StatusNotFound, "SESSION_NOT_FOUND", "Unknown collaboration session", nil)
	}
	return sess, nil
}

func (s *Service) RoomUsers(sessionID string) ([]collab.PresenceState, error) {
	sess, err := s.sessionByID(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.channel.Users(), nil
}

func (s *Service) GetDocument(sessionID string) (*collab.Data, error) {
	sess, err := s.sessionByID(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.channel.GetData(), nil
}

// SetDocument applies a client edit to the replica, broadcasts it, and
// persists the new state as the durable snapshot.
func (s *Service) SetDocument(ctx context.Context, sessionID string, data collab.Data) error {
	sess, err := s.sessionByID(sessionID)
	if err != nil {
		return err
	}
	sess.channel.SetData(data)
	return s.persistSnapshot(ctx, sess, data)
}

func (s *Service) UpdateCursor(sessionID string, cursor json.RawMessage) error {
	sess, err := s.sessionByID(sessionID)
	if err != nil {
		return err
	}
	sess.channel.UpdateCursor(cursor)
	return nil
}

// persistSnapshot writes the document state through to every durable sink:
// the snapshot row, the version trail, and the search index.
func (s *Service) persistSnapshot(ctx context.Context, sess *session, data collab.Data) error {
	snap := store.DocumentSnapshot{
		DocumentID: sess.documentID,
		ProjectID:  sess.projectID,
		Content:    data.Content,
		Root:       data.Root,
		UpdatedBy:  sess.userID,
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return err
	}

	if s.history != nil {
		histSnap := history.Snapshot{Content: data.Content, Root: data.Root}
		if err := s.history.EnsureRepo(sess.documentID, histSnap, sess.userID); err != nil {
			log.Printf("app: ensure history repo for %s: %v", sess.documentID, err)
		} else if _, err := s.history.CommitSnapshot(sess.documentID, histSnap, sess.userID, "Save document"); err != nil {
			log.Printf("app: commit history for %s: %v", sess.documentID, err)
		}
	}

	if s.search != nil {
		s.search.IndexDocument(search.DocumentEntry{
			ID:        sess.documentID,
			ProjectID: sess.projectID,
			Title:     sess.documentID,
			Text:      flattenText(data.Content),
		})
	}

	s.events.Publish(events.Event{
		Type:       events.EventDocumentSaved,
		ProjectID:  sess.projectID,
		DocumentID: sess.documentID,
	})
	return nil
}

// DocumentSnapshot returns the durable state of a document without joining
// its room.
func (s *Service) DocumentSnapshot(ctx context.Context, documentID string) (store.DocumentSnapshot, error) {
	return s.store.GetSnapshot(ctx, documentID)
}

func (s *Service) DocumentHistory(documentID string, limit int) ([]history.CommitInfo, error) {
	if s.history == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Version history is not configured", nil)
	}
	return s.history.History(documentID, limit)
}

func (s *Service) DocumentAt(documentID, hash string) (history.Snapshot, error) {
	if s.history == nil {
		return history.Snapshot{}, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Version history is not configured", nil)
	}
	return s.history.GetByHash(documentID, hash)
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) roomCountLocked() int {
	rooms := make(map[string]struct{}, len(s.sessions))
	for _, sess := range s.sessions {
		rooms[collab.RoomID(sess.projectID, sess.documentID)] = struct{}{}
	}
	return len(rooms)
}

// flattenText collects every string value in a component tree for indexing.
func flattenText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ""
	}
	var out []byte
	var walk func(node any)
	walk = func(node any) {
		switch v := node.(type) {
		case string:
			if len(out) > 0 {
				out = append(out, ' ')
			}
			out = append(out, v...)
		case []any:
			for _, item := range v {
				walk(item)
			}
		case map[string]any:
			for _, item := range v {
				walk(item)
			}
		}
	}
	walk(parsed)
	return string(out)
}
