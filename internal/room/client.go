package room

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/driftpadhq/driftpad/backend/internal/awareness"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 256
)

// client pumps envelopes between one websocket and its room. The read pump
// owns the connection lifetime; the write pump drains the session's send
// channel and keeps the socket alive with pings. The room is resolved when
// the join envelope arrives, not at handshake time, so a room torn down in
// between is retried rather than joined.
type client struct {
	conn     *websocket.Conn
	sess     *session
	docID    string
	room     *Room
	registry *Registry
	logger   *zap.Logger
}

func newClient(conn *websocket.Conn, sess *session, docID string, registry *Registry, logger *zap.Logger) *client {
	return &client{
		conn:     conn,
		sess:     sess,
		docID:    docID,
		registry: registry,
		logger:   logger,
	}
}

func (c *client) run() {
	go c.writePump()
	c.readPump()
}

// readPump expects a join envelope first, seeds the session from the room,
// then dispatches envelopes until the socket closes.
func (c *client) readPump() {
	defer func() {
		if c.room != nil {
			c.registry.leave(c.room, c.sess.clientID)
		}
		close(c.sess.send)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if !c.handleJoin() {
		return
	}

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("socket closed unexpectedly",
					zap.String("doc_id", c.docID),
					zap.String("client_id", c.sess.clientID),
					zap.Error(err))
			}
			return
		}
		if !c.dispatch(payload) {
			return
		}
	}
}

// handleJoin consumes the first envelope, registers the session, and queues
// the seed sync plus presence roster. Anything other than a join envelope is
// a protocol error.
func (c *client) handleJoin() bool {
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		return false
	}
	envelope, err := decodeEnvelope(payload)
	if err != nil || envelope.Type != MessageTypeJoin {
		c.sendError("expected join envelope")
		return false
	}

	liveRoom, seed, err := c.registry.join(context.Background(), c.docID, c.sess, envelope.StateVector)
	if err != nil {
		c.logger.Error("failed to seed joining client",
			zap.String("doc_id", c.docID),
			zap.String("client_id", c.sess.clientID),
			zap.Error(err))
		c.sendError("failed to prepare sync state")
		return false
	}
	c.room = liveRoom
	for _, seedEnvelope := range seed {
		encoded, encodeErr := encodeEnvelope(seedEnvelope)
		if encodeErr != nil {
			return false
		}
		c.sess.send <- encoded
	}
	if envelope.Awareness != nil {
		c.room.applyAwareness(c.sess, *envelope.Awareness)
	}
	return true
}

func (c *client) dispatch(payload []byte) bool {
	envelope, err := decodeEnvelope(payload)
	if err != nil {
		c.sendError("malformed envelope")
		return false
	}

	switch envelope.Type {
	case MessageTypeUpdate:
		frame, decodeErr := base64.StdEncoding.DecodeString(envelope.UpdateB64)
		if decodeErr != nil {
			c.sendError("malformed update payload")
			return false
		}
		if applyErr := c.room.applyUpdate(c.sess, frame); applyErr != nil {
			c.logger.Warn("rejected update frame",
				zap.String("doc_id", c.docID),
				zap.String("user_id", c.sess.userID),
				zap.Error(applyErr))
			c.sendError("update rejected")
		}
	case MessageTypeAwareness:
		if envelope.Awareness == nil {
			c.room.applyAwareness(c.sess, awareness.State{})
			return true
		}
		c.room.applyAwareness(c.sess, *envelope.Awareness)
	case MessageTypeHeartbeat:
		c.room.heartbeat(c.sess)
	default:
		c.sendError("unknown envelope type")
		return false
	}
	return true
}

func (c *client) sendError(reason string) {
	payload, err := encodeEnvelope(Envelope{
		Type:   MessageTypeError,
		DocID:  c.docID,
		Reason: reason,
	})
	if err != nil {
		return
	}
	select {
	case c.sess.send <- payload:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.sess.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
