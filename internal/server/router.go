package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/driftpadhq/driftpad/backend/internal/acl"
	"github.com/driftpadhq/driftpad/backend/internal/diff"
	"github.com/driftpadhq/driftpad/backend/internal/snapshot"
	"github.com/driftpadhq/driftpad/backend/internal/version"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "driftpad_user_id"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingCollabIssuer   = errors.New("collab token issuer dependency required")
	errMissingGuard          = errors.New("acl guard dependency required")
	errMissingVersions       = errors.New("version store dependency required")
	errMissingDiff           = errors.New("diff service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator authenticates REST bearer tokens.
type TokenValidator interface {
	ValidateAPIToken(token string) (string, error)
}

// CollabTokenIssuer mints document-scoped collaboration tokens.
type CollabTokenIssuer interface {
	IssueCollabToken(ctx context.Context, userID, docID string) (string, int64, error)
}

// DocFlusher persists a live room's state on demand.
type DocFlusher interface {
	FlushDoc(ctx context.Context, docID, requestedBy string, manual bool) error
}

// StateReplacer pushes restored content into a live room.
type StateReplacer interface {
	ReplaceState(docID string, snapshot []byte) error
}

// SocketHandler upgrades a request into a sync session.
type SocketHandler interface {
	HandleSocket(responseWriter http.ResponseWriter, request *http.Request, docID string)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	TokenValidator TokenValidator
	CollabIssuer   CollabTokenIssuer
	Guard          *acl.Guard
	Versions       *version.Store
	Diff           *diff.Service
	Flusher        DocFlusher
	Rooms          StateReplacer
	Gateway        SocketHandler
	Logger         *zap.Logger
}

// NewHTTPHandler builds the REST and websocket router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.CollabIssuer == nil {
		return nil, errMissingCollabIssuer
	}
	if deps.Guard == nil {
		return nil, errMissingGuard
	}
	if deps.Versions == nil {
		return nil, errMissingVersions
	}
	if deps.Diff == nil {
		return nil, errMissingDiff
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:       deps.TokenValidator,
		collabIssuer: deps.CollabIssuer,
		guard:        deps.Guard,
		versions:     deps.Versions,
		diffService:  deps.Diff,
		flusher:      deps.Flusher,
		rooms:        deps.Rooms,
		logger:       logger,
	}

	if deps.Gateway != nil {
		router.GET("/ws/:docId", func(c *gin.Context) {
			deps.Gateway.HandleSocket(c.Writer, c.Request, c.Param("docId"))
		})
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/docs", handler.handleCreateDocument)
	protected.GET("/docs/:docId/acl", handler.handleGetACL)
	protected.PUT("/docs/:docId/acl", handler.handlePutACL)
	protected.GET("/docs/:docId/versions", handler.handleListVersions)
	protected.POST("/docs/:docId/versions", handler.handleManualSave)
	protected.GET("/docs/:docId/versions/:versionId", handler.handleGetVersion)
	protected.POST("/docs/:docId/versions/:versionId/restore", handler.handleRestoreVersion)
	protected.GET("/docs/:docId/versions/:versionId/diff", handler.handleDiffVersion)
	protected.POST("/collab/token", handler.handleCollabToken)
	protected.GET("/collab/bootstrap/:docId", handler.handleBootstrap)
	protected.GET("/collab/snapshot/:docId/download", handler.handleSnapshotDownload)
	protected.POST("/collab/snapshot/:docId/save", handler.handleManualSave)

	return router, nil
}

type httpHandler struct {
	tokens       TokenValidator
	collabIssuer CollabTokenIssuer
	guard        *acl.Guard
	versions     *version.Store
	diffService  *diff.Service
	flusher      DocFlusher
	rooms        StateReplacer
	logger       *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateAPIToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// resolvePermission loads the caller's permission for the document in the
// path. Writes the error response itself and reports ok=false on failure.
func (h *httpHandler) resolvePermission(c *gin.Context) (string, string, acl.Permission, bool) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", acl.PermissionNone, false
	}

	rawDocID := c.Param("docId")
	docID, err := acl.NewDocID(rawDocID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_doc_id"})
		return "", "", acl.PermissionNone, false
	}
	parsedUserID, err := acl.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return "", "", acl.PermissionNone, false
	}

	permission, err := h.guard.Resolve(c.Request.Context(), docID, parsedUserID)
	if err != nil {
		if errors.Is(err, acl.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
			return "", "", acl.PermissionNone, false
		}
		h.logger.Error("permission resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "permission_lookup_failed"})
		return "", "", acl.PermissionNone, false
	}
	return userID, docID.String(), permission, true
}

type createDocumentPayload struct {
	DocID string   `json:"doc_id"`
	Tags  []string `json:"tags"`
}

type documentPayload struct {
	DocID            string `json:"doc_id"`
	OwnerID          string `json:"owner_id"`
	Status           string `json:"status"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	// The request body is optional: an empty body creates a document with a
	// generated id and no tags.
	var request createDocumentPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	var docID acl.DocID
	if strings.TrimSpace(request.DocID) != "" {
		parsed, err := acl.NewDocID(request.DocID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_doc_id"})
			return
		}
		docID = parsed
	}
	ownerID, err := acl.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	document, err := h.guard.CreateDocument(c.Request.Context(), acl.CreateDocumentConfig{
		DocID:   docID,
		OwnerID: ownerID,
		Tags:    request.Tags,
	})
	if err != nil {
		h.logger.Error("document creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}

	c.JSON(http.StatusCreated, documentPayload{
		DocID:            document.DocID,
		OwnerID:          document.OwnerID,
		Status:           document.Status,
		CreatedAtSeconds: document.CreatedAtSeconds,
		UpdatedAtSeconds: document.UpdatedAtSeconds,
	})
}

type aclEntryPayload struct {
	UserID     string `json:"user_id"`
	Permission string `json:"permission"`
}

type aclResponsePayload struct {
	DocID   string            `json:"doc_id"`
	Entries []aclEntryPayload `json:"entries"`
}

func (h *httpHandler) handleGetACL(c *gin.Context) {
	_, docID, permission, ok := h.resolvePermission(c)
	if !ok {
		return
	}
	if !permission.CanRead() {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return
	}

	parsedDocID, _ := acl.NewDocID(docID)
	entries, err := h.guard.ListEntries(c.Request.Context(), parsedDocID)
	if err != nil {
		h.logger.Error("acl listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "acl_lookup_failed"})
		return
	}

	response := aclResponsePayload{DocID: docID, Entries: make([]aclEntryPayload, 0, len(entries))}
	for _, entry := range entries {
		response.Entries = append(response.Entries, aclEntryPayload{
			UserID:     entry.UserID,
			Permission: string(entry.Permission),
		})
	}
	c.JSON(http.StatusOK, response)
}

type aclUpdatePayload struct {
	Entries []aclEntryPayload `json:"entries"`
}

func (h *httpHandler) handlePutACL(c *gin.Context) {
	userID, docID, _, ok := h.resolvePermission(c)
	if !ok {
		return
	}

	var request aclUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Entries) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	inputs := make([]acl.EntryInput, 0, len(request.Entries))
	for _, entry := range request.Entries {
		entryUserID, err := acl.NewUserID(entry.UserID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
			return
		}
		entryPermission, err := acl.ParsePermission(entry.Permission)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_permission"})
			return
		}
		inputs = append(inputs, acl.EntryInput{UserID: entryUserID, Permission: entryPermission})
	}

	parsedDocID, _ := acl.NewDocID(docID)
	parsedUserID, _ := acl.NewUserID(userID)
	updated, err := h.guard.Update(c.Request.Context(), parsedDocID, parsedUserID, inputs)
	if err != nil {
		switch {
		case errors.Is(err, acl.ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": "owner_required"})
		case errors.Is(err, acl.ErrOwnerRequired), errors.Is(err, acl.ErrExtraOwner):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_owner_set"})
		case errors.Is(err, acl.ErrDocumentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
		default:
			h.logger.Error("acl update failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "acl_update_failed"})
		}
		return
	}

	response := aclResponsePayload{DocID: docID, Entries: make([]aclEntryPayload, 0, len(updated))}
	for _, entry := range updated {
		response.Entries = append(response.Entries, aclEntryPayload{
			UserID:     entry.UserID,
			Permission: string(entry.Permission),
		})
	}
	c.JSON(http.StatusOK, response)
}

type collabTokenRequestPayload struct {
	DocID string `json:"doc_id"`
}

type collabTokenResponsePayload struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	TokenType string `json:"token_type"`
}

func (h *httpHandler) handleCollabToken(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request collabTokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DocID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	docID, err := acl.NewDocID(request.DocID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_doc_id"})
		return
	}
	parsedUserID, err := acl.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	permission, err := h.guard.Resolve(c.Request.Context(), docID, parsedUserID)
	if err != nil {
		if errors.Is(err, acl.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
			return
		}
		h.logger.Error("permission resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "permission_lookup_failed"})
		return
	}
	if !permission.CanRead() {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return
	}

	token, expiresIn, err := h.collabIssuer.IssueCollabToken(c.Request.Context(), userID, docID.String())
	if err != nil {
		h.logger.Error("failed to issue collab token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, collabTokenResponsePayload{
		Token:     token,
		ExpiresIn: expiresIn,
		TokenType: "Bearer",
	})
}

type versionPayload struct {
	VersionID             string `json:"version_id"`
	DocID                 string `json:"doc_id"`
	VersionNumber         int64  `json:"version_number"`
	SnapshotRef           string `json:"snapshot_ref"`
	SnapshotSHA256        string `json:"snapshot_sha256"`
	SizeBytes             int64  `json:"size_bytes"`
	CreatedBy             string `json:"created_by"`
	Source                string `json:"source"`
	RestoredFromVersionID string `json:"restored_from_version_id,omitempty"`
	ChangeSummary         string `json:"change_summary,omitempty"`
	CreatedAtSeconds      int64  `json:"created_at_s"`
}

func toVersionPayload(row version.DocumentVersion) versionPayload {
	return versionPayload{
		VersionID:             row.VersionID,
		DocID:                 row.DocID,
		VersionNumber:         row.VersionNumber,
		SnapshotRef:           row.SnapshotRef,
		SnapshotSHA256:        row.SnapshotSHA256,
		SizeBytes:             row.SizeBytes,
		CreatedBy:             row.CreatedBy,
		Source:                string(row.Source),
		RestoredFromVersionID: row.RestoredFromVersionID,
		ChangeSummary:         row.ChangeSummary,
		CreatedAtSeconds:      row.CreatedAtSeconds,
	}
}

func (h *httpHandler) handleBootstrap(c *gin.Context) {
	_, docID, permission, ok := h.resolvePermission(c)
	if !ok {
		return
	}
	if !permission.CanRead() {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return
	}

	latest, err := h.versions.Latest(c.Request.Context(), docID)
	if err != nil {
		if errors.Is(err, version.ErrVersionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no_versions"})
			return
		}
		h.logger.Error("bootstrap lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bootstrap_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"version":      toVersionPayload(latest),
		"content_text": latest.ContentText,
	})
}

func (h *httpHandler) handleSnapshotDownload(c *gin.Context) {
	_, docID, permission, ok := h.resolvePermission(c)
	if !ok {
		return
	}
	if !permission.CanRead() {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return
	}

	latest, err := h.versions.Latest(c.Request.Context(), docID)
	if err != nil {
		if errors.Is(err, version.ErrVersionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no_versions"})
			return
		}
		h.logger.Error("snapshot lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "download_failed"})
		return
	}

	payload, err := h.versions.FetchSnapshot(c.Request.Context(), latest.SnapshotRef)
	if err != nil {
		if errors.Is(err, version.ErrSnapshotCorrupt) {
			h.logger.Error("snapshot integrity failure on download",
				zap.String("doc_id", docID),
				zap.String("ref", latest.SnapshotRef))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "integrity_failure"})
			return
		}
		h.logger.Error("snapshot fetch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "download_failed"})
		return
	}

	c.Data(http.StatusOK, "application/octet-stream", payload)
}

func (h *httpHandler) handleManualSave(c *gin.Context) {
	userID, docID, permission, ok := h.resolvePermission(c)
	if !ok {
		return
	}
	if !permission.CanWrite() {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return
	}
	if h.flusher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence_unavailable"})
		return
	}

	if err := h.flusher.FlushDoc(c.Request.Context(), docID, userID, true); err != nil {
		if errors.Is(err, snapshot.ErrNothingToFlush) {
			c.JSON(http.StatusConflict, gin.H{"error": "nothing_to_save"})
			return
		}
		h.logger.Error("manual save failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save_failed"})
		return
	}

	latest, err := h.versions.Latest(c.Request.Context(), docID)
	if err != nil {
		h.logger.Error("post-save lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save_failed"})
		return
	}
	c.JSON(http.StatusCreated, toVersionPayload(latest))
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	_, docID, permission, ok := h.resolvePermission(c)
	if !ok {
		return
	}
	if !permission.CanRead() {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return
	}

	filter := version.ListFilter{CreatedBy: c.Query("created_by")}
	if raw := c.Query("start_date"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_start_date"})
			return
		}
		filter.StartDate = &parsed
	}
	if raw := c.Query("end_date"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_end_date"})
			return
		}
		filter.EndDate = &parsed
	}

	rows, err := h.versions.List(c.Request.Context(), docID, filter)
	if err != nil {
		h.logger.Error("version listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	payloads := make([]versionPayload, 0, len(rows))
	for _, row := range rows {
		payloads = append(payloads, toVersionPayload(row))
	}
	c.JSON(http.StatusOK, gin.H{"doc_id": docID, "versions": payloads})
}

func (h *httpHandler) handleGetVersion(c *gin.Context) {
	_, docID, permission, ok := h.resolvePermission(c)
	if !ok {
		return
	}
	if !permission.CanRead() {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return
	}

	row, err := h.versions.Get(c.Request.Context(), docID, c.Param("versionId"))
	if err != nil {
		if errors.Is(err, version.ErrVersionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "version_not_found"})
			return
		}
		h.logger.Error("version lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, toVersionPayload(row))
}

func (h *httpHandler) handleRestoreVersion(c *gin.Context) {
	userID, docID, permission, ok := h.resolvePermission(c)
	if !ok {
		return
	}
	if !permission.CanWrite() {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return
	}

	restored, payload, err := h.versions.Restore(c.Request.Context(), docID, c.Param("versionId"), userID)
	if err != nil {
		switch {
		case errors.Is(err, version.ErrVersionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "version_not_found"})
		case errors.Is(err, version.ErrSnapshotCorrupt):
			h.logger.Error("restore blocked by integrity failure",
				zap.String("doc_id", docID),
				zap.String("version_id", c.Param("versionId")))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "integrity_failure"})
		default:
			h.logger.Error("restore failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "restore_failed"})
		}
		return
	}

	if h.rooms != nil {
		if err := h.rooms.ReplaceState(docID, payload); err != nil {
			h.logger.Error("failed to push restored state to live room",
				zap.String("doc_id", docID),
				zap.Error(err))
		}
	}

	c.JSON(http.StatusCreated, toVersionPayload(restored))
}

type diffSegmentPayload struct {
	Op   string `json:"op"`
	Text string `json:"text"`
}

func (h *httpHandler) handleDiffVersion(c *gin.Context) {
	_, docID, permission, ok := h.resolvePermission(c)
	if !ok {
		return
	}
	if !permission.CanRead() {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return
	}

	result, err := h.diffService.Diff(c.Request.Context(), docID, c.Param("versionId"), c.Query("base_version_id"))
	if err != nil {
		if errors.Is(err, version.ErrVersionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "version_not_found"})
			return
		}
		h.logger.Error("diff failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "diff_failed"})
		return
	}

	segments := make([]diffSegmentPayload, 0, len(result.Segments))
	for _, segment := range result.Segments {
		segments = append(segments, diffSegmentPayload{Op: string(segment.Op), Text: segment.Text})
	}
	c.JSON(http.StatusOK, gin.H{
		"doc_id":            result.DocID,
		"base_version_id":   result.BaseVersionID,
		"target_version_id": result.TargetVersion.VersionID,
		"segments":          segments,
	})
}
