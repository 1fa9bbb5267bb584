package collaboration

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"docsync/internal/auth"
	"docsync/internal/middleware"
	"docsync/internal/models"
	"docsync/internal/telemetry"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
)

// WebSocketHandler upgrades authenticated requests and runs one Client per
// connection.
type WebSocketHandler struct {
	lifecycle     *Lifecycle
	authenticator *auth.Authenticator
	roles         RoleResolver
	metrics       *telemetry.Metrics
	upgrader      websocket.Upgrader
	sendBuffer    int
}

func NewWebSocketHandler(
	lifecycle *Lifecycle,
	authenticator *auth.Authenticator,
	roles RoleResolver,
	metrics *telemetry.Metrics,
	allowedOrigins []string,
	sendBuffer int,
) *WebSocketHandler {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &WebSocketHandler{
		lifecycle:     lifecycle,
		authenticator: authenticator,
		roles:         roles,
		metrics:       metrics,
		sendBuffer:    sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	if len(allowedOrigins) == 0 {
		return func(r *http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

// HandleConnection serves /ws and /ws/documents/{id}. With a document id in
// the path (or ?documentId=) the connection joins it right away; otherwise the
// client sends join frames itself. The read loop runs on the request goroutine.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticator.FromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	documentID := mux.Vars(r)["id"]
	if documentID == "" {
		documentID = r.URL.Query().Get("documentId")
	}

	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("user.id", identity.UserID),
		attribute.String("document.id", documentID),
	)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		span.End()
		return
	}

	client := &Client{
		session:  models.NewSession(identity.UserID),
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, h.sendBuffer),
		done:     make(chan struct{}),
		handler:  h,
	}
	span.SetAttributes(attribute.String("session.id", client.ID()))
	span.End()

	log.Printf("✓ WebSocket connection %s established (user: %s)", client.ID(), identity.UserID)

	go client.WritePump()

	if documentID != "" {
		client.join(ctx, documentID)
	}
	client.ReadPump(ctx)
}

// Client is one websocket connection. It implements Participant.
type Client struct {
	session  *models.Session
	identity auth.Identity
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	handler  *WebSocketHandler
}

func (c *Client) ID() string {
	return c.session.ID
}

// Send queues msg without blocking. A full buffer means the client cannot
// keep up; it is disconnected and resyncs through a fresh join.
func (c *Client) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		log.Printf("⚠️  Session %s buffer full, closing connection", c.ID())
		c.Close()
		return false
	}
}

// Close stops the write pump, which closes the connection and ends the read pump.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// ReadPump decodes client frames and dispatches them until the connection
// drops. It unbinds the client on exit.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.handler.lifecycle.Disconnect(c)
		c.Close()
		c.conn.Close()
		log.Printf("  WebSocket connection %s closed", c.ID())
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		c.process(ctx, message)
	}
}

func (c *Client) process(ctx context.Context, message []byte) {
	ctx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
		attribute.String("session.id", c.ID()),
		attribute.Int("message.size", len(message)),
	)
	defer span.End()

	cmd, err := models.DecodeCommand(message)
	if err != nil {
		c.handler.metrics.EditDropped(ctx, telemetry.DropMalformed)
		middleware.AddSpanError(ctx, err)
		c.Send(models.ErrorMessage("", "invalid_message", err.Error()))
		return
	}
	span.SetAttributes(
		attribute.String("message.type", string(cmd.Type)),
		attribute.String("document.id", cmd.DocumentID),
	)

	if cmd.Type == models.MessageJoin {
		c.join(ctx, cmd.DocumentID)
		return
	}

	if err := c.handler.lifecycle.Handle(ctx, c, cmd); err != nil {
		middleware.AddSpanError(ctx, err)
		log.Printf("⚠️  Session %s %s on %s failed: %v", c.ID(), cmd.Type, cmd.DocumentID, err)
		c.Send(models.ErrorMessage(cmd.DocumentID, errorCode(err), err.Error()))
	}
}

func (c *Client) join(ctx context.Context, documentID string) {
	role, err := c.handler.roles.RoleFor(ctx, c.identity, documentID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		if errors.Is(err, auth.ErrNoAccess) {
			c.Send(models.ErrorMessage(documentID, "forbidden", "no access to this document"))
			return
		}
		log.Printf("⚠️  Role lookup for %s on %s failed: %v", c.identity.UserID, documentID, err)
		c.Send(models.ErrorMessage(documentID, "role_unavailable", "could not verify access, try again"))
		return
	}

	if err := c.handler.lifecycle.Join(ctx, c, documentID, role); err != nil {
		middleware.AddSpanError(ctx, err)
		c.Send(models.ErrorMessage(documentID, errorCode(err), err.Error()))
	}
}

// WritePump sends queued messages, one text frame each, and keeps the
// connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	case errors.Is(err, ErrHistoryDisabled):
		return "undo_unavailable"
	case errors.Is(err, models.ErrInvalidMessage):
		return "invalid_message"
	default:
		return "internal_error"
	}
}
