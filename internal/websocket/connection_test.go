package websocket

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"liveroom/internal/router"
	"liveroom/pkg/types"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var _ router.Client = (*Connection)(nil)

// createTestWebSocketPair returns the server side of an upgraded socket
// and the client that dialled it.
func createTestWebSocketPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	serverSide := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		serverSide <- conn
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to create test WebSocket connection: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-serverSide:
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("Server side of the connection never arrived")
		return nil, nil
	}
}

func readText(t *testing.T, client *websocket.Conn) string {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	return string(data)
}

func TestConnection_NewConnectionInitialization(t *testing.T) {
	serverConn, _ := createTestWebSocketPair(t)
	conn := NewConnection(serverConn, "sample", ConnectionOptions{})
	defer conn.Close()

	if cap(conn.writeCh) != 256 {
		t.Errorf("Expected default buffer of 256, got %d", cap(conn.writeCh))
	}
	if conn.SocketID() == "" {
		t.Error("Socket id should be assigned")
	}
	if conn.WorldID() != "sample" {
		t.Errorf("Expected world sample, got %s", conn.WorldID())
	}
	if conn.User() != nil || conn.UserID() != "" {
		t.Error("New connection should be anonymous")
	}
}

func TestConnection_SendWritesJSON(t *testing.T) {
	serverConn, client := createTestWebSocketPair(t)
	conn := NewConnection(serverConn, "sample", ConnectionOptions{})
	defer conn.Close()

	if err := conn.Send([]any{"success", 1, map[string]int{"a": 1}}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := readText(t, client); got != `["success",1,{"a":1}]` {
		t.Errorf("Unexpected frame %s", got)
	}
}

func TestConnection_SendInvalidData(t *testing.T) {
	serverConn, _ := createTestWebSocketPair(t)
	conn := NewConnection(serverConn, "sample", ConnectionOptions{})
	defer conn.Close()

	if err := conn.Send(make(chan int)); !errors.Is(err, ErrInvalidJSON) {
		t.Errorf("Expected ErrInvalidJSON, got %v", err)
	}
}

func TestConnection_CloseFlushesQueue(t *testing.T) {
	serverConn, client := createTestWebSocketPair(t)
	conn := NewConnection(serverConn, "sample", ConnectionOptions{})

	for i := 0; i < 3; i++ {
		if err := conn.Send([]any{"n", i}); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	_ = conn.Close()
	_ = conn.Close()

	for i, want := range []string{`["n",0]`, `["n",1]`, `["n",2]`} {
		if got := readText(t, client); got != want {
			t.Errorf("Frame %d = %s, want %s", i, got, want)
		}
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("Expected normal close, got %v", err)
	}

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Connection should be done after close")
	}
	if err := conn.Send([]any{"late"}); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed after close, got %v", err)
	}
}

func TestConnection_SlowConsumerDropped(t *testing.T) {
	serverConn, _ := createTestWebSocketPair(t)
	conn := &Connection{
		conn:    serverConn,
		id:      "slow",
		writeCh: make(chan []byte, 2),
		opts:    ConnectionOptions{WriteTimeout: time.Second},
	}
	conn.ctx, conn.cancel = contextPair()
	conn.logger = testLogger()
	// No writer goroutine runs, so the buffer never drains.

	for i := 0; i < 2; i++ {
		if err := conn.Send([]any{"n", i}); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
	}
	if err := conn.Send([]any{"n", 2}); !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("Expected ErrSlowConsumer, got %v", err)
	}
	select {
	case <-conn.Done():
	default:
		t.Error("Slow consumer should be terminated")
	}
}

func TestConnection_ConcurrentSends(t *testing.T) {
	serverConn, client := createTestWebSocketPair(t)
	conn := NewConnection(serverConn, "sample", ConnectionOptions{BufferSize: 500})
	defer conn.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := conn.Send([]any{"n", n, j}); err != nil {
					t.Errorf("Send() error = %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 100; i++ {
		readText(t, client)
	}
}

func TestConnection_SetUserConcurrentAccess(t *testing.T) {
	serverConn, _ := createTestWebSocketPair(t)
	conn := NewConnection(serverConn, "sample", ConnectionOptions{})
	defer conn.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			conn.SetUser(&types.User{ID: "u1"})
		}()
		go func() {
			defer wg.Done()
			_ = conn.UserID()
		}()
	}
	wg.Wait()

	if conn.UserID() != "u1" {
		t.Errorf("Expected user u1, got %s", conn.UserID())
	}
}
