package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/engine/internal/auth"
	ws "github.com/vdavid/vmail/engine/internal/websocket"
)

func TestWebSocketHandler_Connection(t *testing.T) {
	hub := ws.NewHub(10)
	handler := NewWebSocketHandler(auth.New("token"), hub)

	server := httptest.NewServer(http.HandlerFunc(handler.Handle))
	defer server.Close()

	// Convert http:// to ws://
	wsURL := "ws" + server.URL[4:]

	t.Run("connects with query token and receives broadcasts", func(t *testing.T) {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=token", nil)
		if err != nil {
			t.Fatalf("Failed to connect: %v", err)
		}
		defer conn.Close()

		if resp.StatusCode != http.StatusSwitchingProtocols {
			t.Errorf("Expected status 101, got %d", resp.StatusCode)
		}

		require.Eventually(t, func() bool { return hub.ActiveConnections() == 1 }, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, hub.Broadcast(ws.TypeTaskOutcome, map[string]string{"task_id": "task-1"}))

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg ws.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, ws.TypeTaskOutcome, msg.Type)

		require.NoError(t, conn.Close())
		require.Eventually(t, func() bool { return hub.ActiveConnections() == 0 }, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("connects with Authorization header", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Bearer token")
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.NoError(t, err)
		_ = conn.Close()
	})

	t.Run("rejects missing or wrong token", func(t *testing.T) {
		for _, url := range []string{wsURL, wsURL + "?token=wrong"} {
			_, resp, err := websocket.DefaultDialer.Dial(url, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		}
	})
}
