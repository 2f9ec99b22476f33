package room

import (
	"context"
	"errors"
	"net/http"

	"github.com/driftpadhq/driftpad/backend/internal/acl"
	"github.com/driftpadhq/driftpad/backend/internal/auth"
	"github.com/driftpadhq/driftpad/backend/internal/fault"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const opHandshake = "room.handshake"

var (
	errMissingRegistry = errors.New("registry is required")
	errMissingGuard    = errors.New("acl guard is required")
	errMissingIssuer   = errors.New("token issuer is required")
)

// GatewayConfig describes gateway dependencies.
type GatewayConfig struct {
	Registry *Registry
	Guard    *acl.Guard
	Tokens   *auth.TokenIssuer
	Logger   *zap.Logger
}

// Gateway accepts sync sockets: it upgrades the connection, authenticates
// the collaboration token, resolves the caller's permission, and hands the
// session to its room.
type Gateway struct {
	registry *Registry
	guard    *acl.Guard
	tokens   *auth.TokenIssuer
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewGateway constructs a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Registry == nil {
		return nil, fault.New(opHandshake, "missing_registry", errMissingRegistry)
	}
	if cfg.Guard == nil {
		return nil, fault.New(opHandshake, "missing_guard", errMissingGuard)
	}
	if cfg.Tokens == nil {
		return nil, fault.New(opHandshake, "missing_issuer", errMissingIssuer)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		registry: cfg.Registry,
		guard:    cfg.Guard,
		tokens:   cfg.Tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}, nil
}

// HandleSocket upgrades the request and runs the session until the socket
// closes. Auth failures are reported over the upgraded socket with close
// code 4401 so browser clients can distinguish them from network errors.
func (g *Gateway) HandleSocket(responseWriter http.ResponseWriter, request *http.Request, pathDocID string) {
	conn, err := g.upgrader.Upgrade(responseWriter, request, nil)
	if err != nil {
		g.logger.Warn("socket upgrade failed",
			zap.String("operation", opHandshake),
			zap.Error(err))
		return
	}

	sess, authErr := g.authenticate(request.Context(), request.URL.Query().Get("token"), pathDocID)
	if authErr != nil {
		g.logger.Warn("socket handshake rejected",
			zap.String("operation", opHandshake),
			zap.String("doc_id", pathDocID),
			zap.Error(authErr))
		closePayload := websocket.FormatCloseMessage(CloseCodeAuthFailure, "unauthorized")
		_ = conn.WriteMessage(websocket.CloseMessage, closePayload)
		_ = conn.Close()
		return
	}

	client := newClient(conn, sess, pathDocID, g.registry, g.logger)
	client.run()
}

// authenticate validates the collaboration token against the requested
// document and resolves the caller's permission. Viewers get a session too;
// their writes are dropped at the room.
func (g *Gateway) authenticate(ctx context.Context, token, pathDocID string) (*session, error) {
	userID, tokenDocID, err := g.tokens.ValidateCollabToken(token)
	if err != nil {
		return nil, fault.New(opHandshake, "invalid_token", err)
	}
	if tokenDocID != pathDocID {
		return nil, fault.New(opHandshake, "token_document_mismatch", errors.New("token grants a different document"))
	}

	docID, err := acl.NewDocID(pathDocID)
	if err != nil {
		return nil, fault.New(opHandshake, "invalid_doc_id", err)
	}
	parsedUserID, err := acl.NewUserID(userID)
	if err != nil {
		return nil, fault.New(opHandshake, "invalid_user_id", err)
	}

	permission, err := g.guard.Resolve(ctx, docID, parsedUserID)
	if err != nil {
		return nil, err
	}
	if !permission.CanRead() {
		return nil, fault.New(opHandshake, "permission_denied", errors.New("caller has no access to the document"))
	}

	clientID, err := uuid.NewV7()
	if err != nil {
		return nil, fault.New(opHandshake, "client_id_failed", err)
	}
	sess := &session{
		clientID:   clientID.String(),
		userID:     userID,
		permission: permission,
		send:       make(chan []byte, sendBufferSize),
	}
	return sess, nil
}
