package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mosaic/sync/internal/collab"
	"mosaic/sync/internal/filesync"
	"mosaic/sync/internal/metrics"
	"mosaic/sync/internal/sandbox"
	"mosaic/sync/internal/search"
	"mosaic/sync/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		metrics.Handler().ServeHTTP(w, r)
		return
	}

	// Everything below is for the workspace frontend, authenticated with the
	// shared sync token.
	if bearerToken(r) != s.service.SyncToken() {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/events" {
		s.handleEvents(w, r)
		return
	}

	segments := splitPath(r.URL.Path)

	// /api/projects/{id}/...
	if len(segments) == 4 && segments[0] == "api" && segments[1] == "projects" {
		projectID := segments[2]
		switch {
		case segments[3] == "changes" && r.Method == http.MethodPost:
			s.handleQueueChanges(w, r, projectID)
			return
		case segments[3] == "changes" && r.Method == http.MethodDelete:
			s.service.ClearPending(projectID)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case segments[3] == "sync" && r.Method == http.MethodPost:
			s.handleForceSync(w, r, projectID)
			return
		case segments[3] == "sync" && r.Method == http.MethodGet:
			writeJSON(w, http.StatusOK, s.service.SyncStatus(projectID))
			return
		case segments[3] == "files" && r.Method == http.MethodGet:
			s.handleListFiles(w, r, projectID)
			return
		}
	}

	// /api/files/{id}/content
	if len(segments) == 4 && segments[0] == "api" && segments[1] == "files" && segments[3] == "content" && r.Method == http.MethodGet {
		s.handleFileContent(w, r, segments[2])
		return
	}

	// /api/rooms and /api/rooms/{sessionId}/...
	if len(segments) >= 2 && segments[0] == "api" && segments[1] == "rooms" {
		switch {
		case len(segments) == 2 && r.Method == http.MethodPost:
			s.handleJoinRoom(w, r)
			return
		case len(segments) == 3 && r.Method == http.MethodDelete:
			s.service.LeaveRoom(segments[2])
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case len(segments) == 4 && segments[3] == "users" && r.Method == http.MethodGet:
			s.handleRoomUsers(w, r, segments[2])
			return
		case len(segments) == 4 && segments[3] == "document" && r.Method == http.MethodGet:
			s.handleGetDocument(w, r, segments[2])
			return
		case len(segments) == 4 && segments[3] == "document" && r.Method == http.MethodPut:
			s.handlePutDocument(w, r, segments[2])
			return
		case len(segments) == 4 && segments[3] == "cursor" && r.Method == http.MethodPost:
			s.handleCursor(w, r, segments[2])
			return
		}
	}

	// /api/documents/{id} and /api/documents/{id}/history[/{hash}]
	if len(segments) >= 3 && segments[0] == "api" && segments[1] == "documents" && r.Method == http.MethodGet {
		documentID := segments[2]
		switch {
		case len(segments) == 3:
			s.handleGetSnapshot(w, r, documentID)
			return
		case len(segments) == 4 && segments[3] == "history":
			s.handleHistory(w, r, documentID)
			return
		case len(segments) == 5 && segments[3] == "history":
			s.handleHistoryAt(w, r, documentID, segments[4])
			return
		}
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"sandbox":  map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	if !s.service.SandboxSupported() {
		checks["sandbox"] = map[string]any{"status": "unsupported"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleQueueChanges(w http.ResponseWriter, r *http.Request, projectID string) {
	var body struct {
		Changes []filesync.FileChange `json:"changes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	for _, change := range body.Changes {
		switch change.Type {
		case filesync.ChangeAdded, filesync.ChangeModified, filesync.ChangeDeleted:
		default:
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				fmt.Sprintf("unknown change type %q", change.Type), nil)
			return
		}
		if strings.TrimSpace(change.Path) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "change path is required", nil)
			return
		}
	}
	if err := s.service.QueueChanges(r.Context(), projectID, body.Changes); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": len(body.Changes)})
}

func (s *HTTPServer) handleForceSync(w http.ResponseWriter, r *http.Request, projectID string) {
	if err := s.service.ForceSync(r.Context(), projectID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, s.service.SyncStatus(projectID))
}

func (s *HTTPServer) handleListFiles(w http.ResponseWriter, r *http.Request, projectID string) {
	files, err := s.service.ListFiles(r.Context(), projectID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	payload := make([]map[string]any, 0, len(files))
	for _, f := range files {
		payload = append(payload, map[string]any{
			"id":        f.ID,
			"path":      f.Path,
			"name":      f.Name,
			"isFolder":  f.IsFolder,
			"parentId":  f.ParentID,
			"updatedAt": f.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": payload})
}

func (s *HTTPServer) handleFileContent(w http.ResponseWriter, r *http.Request, id string) {
	content, err := s.service.FileContent(r.Context(), id)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": string(content)})
}

func (s *HTTPServer) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID   string `json:"projectId"`
		DocumentID  string `json:"documentId"`
		UserID      string `json:"userId"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.ProjectID) == "" || strings.TrimSpace(body.DocumentID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "projectId and documentId are required", nil)
		return
	}
	result, err := s.service.JoinRoom(r.Context(), body.ProjectID, body.DocumentID, body.UserID, body.DisplayName)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleRoomUsers(w http.ResponseWriter, r *http.Request, sessionID string) {
	users, err := s.service.RoomUsers(sessionID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request, sessionID string) {
	data, err := s.service.GetDocument(sessionID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (s *HTTPServer) handlePutDocument(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body struct {
		Content json.RawMessage `json:"content"`
		Root    json.RawMessage `json:"root"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	err := s.service.SetDocument(r.Context(), sessionID, collab.Data{
		Content: body.Content,
		Root:    body.Root,
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleCursor(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body struct {
		Cursor json.RawMessage `json:"cursor"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.UpdateCursor(sessionID, body.Cursor); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleGetSnapshot(w http.ResponseWriter, r *http.Request, documentID string) {
	snap, err := s.service.DocumentSnapshot(r.Context(), documentID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documentId": snap.DocumentID,
		"projectId":  snap.ProjectID,
		"content":    snap.Content,
		"root":       snap.Root,
		"updatedBy":  snap.UpdatedBy,
		"updatedAt":  snap.UpdatedAt,
	})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, documentID string) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	items, err := s.service.DocumentHistory(documentID, limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": items})
}

func (s *HTTPServer) handleHistoryAt(w http.ResponseWriter, r *http.Request, documentID, hash string) {
	snap, err := s.service.DocumentAt(documentID, hash)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content": snap.Content,
		"root":    snap.Root,
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:            query.Get("q"),
		FilterProjectID: query.Get("projectId"),
	}
	switch query.Get("type") {
	case "":
	case "file":
		q.FilterType = search.ResultFile
	case "document":
		q.FilterType = search.ResultDocument
	default:
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be file or document", nil)
		return
	}
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			q.Limit = parsed
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			q.Offset = parsed
		}
	}
	writeJSON(w, http.StatusOK, s.service.Search(q))
}

// handleEvents streams the activity feed over SSE until the client goes away.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "Streaming not supported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.service.Events().Subscribe()
	defer s.service.Events().Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush lets the recorder pass through SSE streaming.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Record not found", nil
	}
	if errors.Is(err, store.ErrConflict) {
		return http.StatusConflict, "CONFLICT", "Record already exists", nil
	}
	if errors.Is(err, sandbox.ErrUnsupported) {
		return http.StatusServiceUnavailable, "SANDBOX_UNSUPPORTED", "Sandbox runtime unsupported in this environment", nil
	}
	return http.StatusInternalServerError, "INTERNAL", "Internal error", nil
}
