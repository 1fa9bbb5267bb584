package collaboration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"docsync/internal/auth"
	"docsync/internal/models"

	"github.com/go-playground/assert/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, secret string) *httptest.Server {
	t.Helper()
	h := newHarness(t, EngineConfig{})
	ws := NewWebSocketHandler(h.lifecycle, auth.NewAuthenticator(secret), auth.StaticResolver{Role: auth.RoleEditor}, h.metrics, nil, 16)

	r := mux.NewRouter()
	r.HandleFunc("/ws", ws.HandleConnection)
	r.HandleFunc("/ws/documents/{id}", ws.HandleConnection)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func receive(t *testing.T, conn *websocket.Conn) models.OutboundMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg models.OutboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func TestWebSocketEditRoundTrip(t *testing.T) {
	srv := newTestServer(t, "")

	a := dial(t, srv, "/ws")
	send(t, a, `{"type":"join","documentId":"doc-1"}`)
	hydrate := receive(t, a)
	assert.Equal(t, models.MessageHydrate, hydrate.Type)
	assert.Equal(t, "", deref(hydrate.Content))

	b := dial(t, srv, "/ws/documents/doc-1")
	assert.Equal(t, models.MessageHydrate, receive(t, b).Type)

	send(t, a, `{"type":"edit-document","documentId":"doc-1","text":"Hello"}`)
	update := receive(t, b)
	assert.Equal(t, models.MessageContentUpdated, update.Type)
	assert.Equal(t, "Hello", deref(update.Text))

	send(t, b, `{"type":"editCode","documentId":"doc-1","code":"x := 1"}`)
	update = receive(t, a)
	assert.Equal(t, models.MessageCodeUpdated, update.Type)
	assert.Equal(t, "x := 1", deref(update.Text))

	c := dial(t, srv, "/ws?documentId=doc-1")
	hydrate = receive(t, c)
	assert.Equal(t, "Hello", deref(hydrate.Content))
	assert.Equal(t, "x := 1", deref(hydrate.Code))
}

func TestWebSocketRejectsMalformedFrames(t *testing.T) {
	srv := newTestServer(t, "")
	a := dial(t, srv, "/ws")

	send(t, a, `not json`)
	msg := receive(t, a)
	assert.Equal(t, models.MessageError, msg.Type)
	assert.Equal(t, "invalid_message", msg.Error)

	send(t, a, `{"type":"editContent","documentId":"doc-1"}`)
	msg = receive(t, a)
	assert.Equal(t, "invalid_message", msg.Error)
}

func TestWebSocketRequiresToken(t *testing.T) {
	srv := newTestServer(t, "s3cret")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"userId": "u-1"}).SignedString([]byte("s3cret"))
	conn := dial(t, srv, "/ws/documents/doc-1?token="+token)
	assert.Equal(t, models.MessageHydrate, receive(t, conn).Type)
}
