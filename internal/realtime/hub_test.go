package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crm/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

var testSecret = []byte("test-secret")

func signedToken(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(logger.Nop())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ServeWs(hub, c, testSecret) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, srv
}

func TestServeWsRejectsMissingToken(t *testing.T) {
	_, srv := startHub(t)
	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestHubBroadcastsPublishedEvents(t *testing.T) {
	hub, srv := startHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + signedToken(t, "operator-1")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Connected() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := hub.Publish(context.Background(), NewEvent(EventInvoicePaid, map[string]string{"invoice_number": "INV-2025-0001"})); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != EventInvoicePaid {
		t.Errorf("type = %s", ev.Type)
	}
}
